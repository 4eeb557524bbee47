// Package store implements LitterStore: the durable per-author
// append-only post log, friend high-water marks, and gap detection
// described in spec section 4.1. Grounded on original_source's
// litterstore.py, backed by SQLite instead of an in-process dict of
// connections, one database per local identity.
package store

import (
	"database/sql"
	"fmt"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pstjuste/litter/internal/config"
	"github.com/pstjuste/litter/internal/logging"
	"github.com/pstjuste/litter/pkg/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	uid     TEXT NOT NULL,
	postid  INTEGER NOT NULL,
	msg     TEXT NOT NULL,
	txtime  INTEGER NOT NULL,
	rxtime  INTEGER NOT NULL,
	hashid  TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_posts_uid_txtime ON posts(uid, txtime);
CREATE INDEX IF NOT EXISTS idx_posts_txtime ON posts(txtime);

CREATE TABLE IF NOT EXISTS friends (
	uid    TEXT NOT NULL,
	fid    TEXT NOT NULL,
	txtime INTEGER NOT NULL,
	PRIMARY KEY (uid, fid)
);
`

// Store is the per-identity durable post log.
type Store struct {
	db       *sql.DB
	self     wire.UID
	limit    int
	nextPost int64
	now      func() int64
	log      logging.Logger
}

// Open creates or reopens the store for the given local identity.
// path is a filesystem path, or ":memory:" for ephemeral/test stores.
func Open(self wire.UID, path string, limit int, log logging.Logger, now func() int64) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if limit <= 0 {
		limit = config.DefaultGetLimit
	}
	s := &Store{db: db, self: self, limit: limit, log: log, now: now}
	if err := s.recoverNextPostID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) recoverNextPostID() error {
	row := s.db.QueryRow(`SELECT MAX(postid) FROM posts WHERE uid = ?`, string(s.self))
	var max sql.NullInt64
	if err := row.Scan(&max); err != nil {
		return fmt.Errorf("store: recover next postid: %w", err)
	}
	if max.Valid {
		s.nextPost = max.Int64 + 1
	} else {
		s.nextPost = 1
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PostLocal inserts a post authored by this node's own identity,
// assigning postid and txtime, and computing hashid.
func (s *Store) PostLocal(msg string) (wire.Post, error) {
	if utf8.RuneCountInString(msg) > config.MaxMessageLen {
		return wire.Post{}, newError(Oversize, fmt.Sprintf("message exceeds %d code points", config.MaxMessageLen))
	}
	txtime := s.now()
	postid := s.nextPost
	hashid := wire.ComputeHashID(s.self, msg, txtime, postid)
	p := wire.Post{
		UID:    s.self,
		PostID: postid,
		TxTime: txtime,
		RxTime: s.now(),
		Msg:    msg,
		HashID: hashid,
	}
	if err := s.insert(p); err != nil {
		return wire.Post{}, err
	}
	s.nextPost++
	return p, nil
}

// PostRemote inserts a post arriving from a peer, revalidating hashid
// before acceptance. Duplicate hashids are reported as Duplicate errors
// (callers should swallow them, per spec's convergence semantics).
func (s *Store) PostRemote(p wire.Post) (wire.Post, error) {
	if utf8.RuneCountInString(p.Msg) > config.MaxMessageLen {
		return wire.Post{}, newError(Oversize, fmt.Sprintf("message exceeds %d code points", config.MaxMessageLen))
	}
	want := wire.ComputeHashID(p.UID, p.Msg, p.TxTime, p.PostID)
	if want != p.HashID {
		return wire.Post{}, newError(HashMismatch, fmt.Sprintf("hashid mismatch: got %s want %s", p.HashID, want))
	}
	p.RxTime = s.now()
	if err := s.insert(p); err != nil {
		return wire.Post{}, err
	}
	return p, nil
}

func (s *Store) insert(p wire.Post) error {
	_, err := s.db.Exec(
		`INSERT INTO posts (uid, postid, msg, txtime, rxtime, hashid) VALUES (?, ?, ?, ?, ?, ?)`,
		string(p.UID), p.PostID, p.Msg, p.TxTime, p.RxTime, string(p.HashID),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return newError(Duplicate, "hashid is not unique")
		}
		return newError(Integrity, err.Error())
	}
	if err := s.bumpFriendTime(s.self, p.UID, p.TxTime); err != nil {
		return err
	}
	return nil
}

func isUniqueConstraint(err error) bool {
	// mattn/go-sqlite3 reports this as a *sqlite3.Error; rather than
	// matching its concrete type, this checks the error message for
	// sqlite's "UNIQUE constraint failed" text.
	return err != nil && containsFold(err.Error(), "unique")
}

func containsFold(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := 0; j < len(needle); j++ {
			a, b := haystack[i+j], needle[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// bumpFriendTime updates FriendTime[observer, fid] to the max of its
// existing value and txtime.
func (s *Store) bumpFriendTime(observer, fid wire.UID, txtime int64) error {
	_, err := s.db.Exec(`
		INSERT INTO friends (uid, fid, txtime) VALUES (?, ?, ?)
		ON CONFLICT(uid, fid) DO UPDATE SET txtime = MAX(txtime, excluded.txtime)
	`, string(observer), string(fid), txtime)
	if err != nil {
		return newError(Integrity, err.Error())
	}
	return nil
}

// Get returns up to limit posts ordered by txtime descending, optionally
// filtered by author and an open-open (begin, until) range. limit <= 0
// uses the store's configured default.
func (s *Store) Get(uid *wire.UID, begin, until int64, limit int) ([]wire.Post, error) {
	if limit <= 0 {
		limit = s.limit
	}
	if until == 0 {
		until = maxInt64
	}
	query := `SELECT uid, postid, txtime, rxtime, msg, hashid FROM posts WHERE txtime > ? AND txtime < ?`
	args := []interface{}{begin, until}
	if uid != nil {
		query += ` AND uid = ?`
		args = append(args, string(*uid))
	}
	query += ` ORDER BY txtime DESC LIMIT ?`
	args = append(args, limit)
	return s.queryPosts(query, args...)
}

func (s *Store) queryPosts(query string, args ...interface{}) ([]wire.Post, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, newError(Integrity, err.Error())
	}
	defer rows.Close()
	var posts []wire.Post
	for rows.Next() {
		var p wire.Post
		var uid, hashid string
		if err := rows.Scan(&uid, &p.PostID, &p.TxTime, &p.RxTime, &p.Msg, &hashid); err != nil {
			return nil, newError(Integrity, err.Error())
		}
		p.UID = wire.UID(uid)
		p.HashID = wire.HashID(hashid)
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// Pull handles an inbound pull query from peerUID advertising its
// per-friend high-water marks. An empty friends list is a new-peer
// bootstrap: return the locally-authored posts. Otherwise, for each
// (fid, txtime) pair, update FriendTime[peerUID, fid] and return posts
// by fid newer than the advertised txtime. Each of these reads is capped
// at the store's limit and keeps the newest posts; older ones beyond the
// cap are not returned.
func (s *Store) Pull(peerUID wire.UID, friends []wire.PullFriend) ([]wire.Post, error) {
	if len(friends) == 0 {
		self := s.self
		return s.Get(&self, 0, maxInt64, s.limit)
	}
	var results []wire.Post
	for _, f := range friends {
		if err := s.bumpFriendTime(peerUID, f.FID, f.TxTime); err != nil {
			return nil, err
		}
		posts, err := s.Get(&f.FID, f.TxTime, maxInt64, s.limit)
		if err != nil {
			return nil, err
		}
		results = append(results, posts...)
	}
	return results, nil
}

// Gap handles an inbound gap query: for each fid's list of (start, end)
// windows, return posts by fid within that window, and advance
// FriendTime[peerUID, fid] to the window's end.
func (s *Store) Gap(peerUID wire.UID, gaps wire.GapFriends) ([]wire.Post, error) {
	var results []wire.Post
	for fid, windows := range gaps {
		for _, w := range windows {
			posts, err := s.Get(&fid, w.Start, w.End, s.limit)
			if err != nil {
				return nil, err
			}
			results = append(results, posts...)
			if err := s.bumpFriendTime(peerUID, fid, w.End); err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}

// GenPull produces the friends advertisement from FriendTime[self, *].
func (s *Store) GenPull() ([]wire.PullFriend, error) {
	rows, err := s.db.Query(`SELECT fid, txtime FROM friends WHERE uid = ?`, string(s.self))
	if err != nil {
		return nil, newError(Integrity, err.Error())
	}
	defer rows.Close()
	var friends []wire.PullFriend
	for rows.Next() {
		var fid string
		var txtime int64
		if err := rows.Scan(&fid, &txtime); err != nil {
			return nil, newError(Integrity, err.Error())
		}
		friends = append(friends, wire.PullFriend{FID: wire.UID(fid), TxTime: txtime})
	}
	return friends, rows.Err()
}

// GenGap computes gaps for every distinct fid tracked under the local
// identity and returns them, or nil if no gaps exist.
func (s *Store) GenGap() (wire.GapFriends, error) {
	fids, err := s.trackedFriends()
	if err != nil {
		return nil, err
	}
	result := wire.GapFriends{}
	for _, fid := range fids {
		windows, err := s.gapsFor(fid)
		if err != nil {
			return nil, err
		}
		if len(windows) > 0 {
			result[fid] = windows
		}
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

func (s *Store) trackedFriends() ([]wire.UID, error) {
	rows, err := s.db.Query(`SELECT DISTINCT fid FROM friends WHERE uid = ?`, string(s.self))
	if err != nil {
		return nil, newError(Integrity, err.Error())
	}
	defer rows.Close()
	var fids []wire.UID
	for rows.Next() {
		var fid string
		if err := rows.Scan(&fid); err != nil {
			return nil, newError(Integrity, err.Error())
		}
		fids = append(fids, wire.UID(fid))
	}
	return fids, rows.Err()
}

// gapsFor detects gaps in fid's postid sequence, per spec's gap
// detection algorithm: read (postid, txtime) pairs newest-first,
// emit a window whenever postid skips by more than one, and a final
// prefix window if the oldest retained post isn't postid 1.
func (s *Store) gapsFor(fid wire.UID) ([]wire.Window, error) {
	rows, err := s.db.Query(
		`SELECT postid, txtime FROM posts WHERE uid = ? ORDER BY txtime DESC`,
		string(fid),
	)
	if err != nil {
		return nil, newError(Integrity, err.Error())
	}
	defer rows.Close()

	type pair struct {
		postid int64
		txtime int64
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.postid, &p.txtime); err != nil {
			return nil, newError(Integrity, err.Error())
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, newError(Integrity, err.Error())
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	var windows []wire.Window
	var last *pair
	for i := range pairs {
		cur := pairs[i]
		if last != nil && last.postid-cur.postid > 1 {
			windows = append(windows, wire.Window{Start: cur.txtime, End: last.txtime})
		}
		p := cur
		last = &p
	}
	if last.postid != 1 {
		windows = append(windows, wire.Window{Start: 0, End: last.txtime})
	}
	return windows, nil
}

const maxInt64 = int64(^uint64(0) >> 1)
