package store

import (
	"testing"

	"github.com/pstjuste/litter/internal/logging"
	"github.com/pstjuste/litter/pkg/wire"
)

// sequence returns a now() func that increments by one on every call,
// giving every post a distinct, ordered txtime/rxtime without relying
// on wall-clock granularity.
func sequence(start int64) func() int64 {
	t := start
	return func() int64 {
		t++
		return t
	}
}

func openTest(t *testing.T, self wire.UID) *Store {
	t.Helper()
	s, err := Open(self, ":memory:", 10, logging.NewNop(), sequence(0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostLocalAssignsSequentialPostIDs(t *testing.T) {
	s := openTest(t, "usera")

	p1, err := s.PostLocal("hello")
	if err != nil {
		t.Fatalf("post 1: %v", err)
	}
	p2, err := s.PostLocal("world")
	if err != nil {
		t.Fatalf("post 2: %v", err)
	}

	if p1.PostID != 1 || p2.PostID != 2 {
		t.Errorf("postids = %d, %d; want 1, 2", p1.PostID, p2.PostID)
	}
	if p1.UID != "usera" || p2.UID != "usera" {
		t.Errorf("uid not stamped with local identity")
	}
}

func TestPostLocalRejectsOversizeMessage(t *testing.T) {
	s := openTest(t, "usera")
	big := make([]rune, 141)
	for i := range big {
		big[i] = 'a'
	}
	if _, err := s.PostLocal(string(big)); kindOf(err) != Oversize {
		t.Fatalf("want oversize error, got %v", err)
	}
}

func TestPostRemoteRejectsHashMismatch(t *testing.T) {
	s := openTest(t, "usera")
	p := wire.Post{UID: "userb", PostID: 1, TxTime: 10, Msg: "hi", HashID: "not-the-real-hash"}
	if _, err := s.PostRemote(p); kindOf(err) != HashMismatch {
		t.Fatalf("want hash mismatch error, got %v", err)
	}
}

func TestPostRemoteDuplicateIsSwallowable(t *testing.T) {
	s := openTest(t, "usera")
	p := wire.Post{UID: "userb", PostID: 1, TxTime: 10, Msg: "hi"}
	p.HashID = wire.ComputeHashID(p.UID, p.Msg, p.TxTime, p.PostID)

	if _, err := s.PostRemote(p); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := s.PostRemote(p)
	if !IsDuplicate(err) {
		t.Fatalf("want duplicate error, got %v", err)
	}

	posts, err := s.Get(nil, 0, 0, 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("duplicate insert changed store size: got %d posts", len(posts))
	}
}

func TestGetFiltersByAuthorAndRange(t *testing.T) {
	s := openTest(t, "usera")
	s.PostLocal("a1")
	s.PostLocal("a2")

	remote := wire.Post{UID: "userb", PostID: 1, TxTime: 50, Msg: "b1"}
	remote.HashID = wire.ComputeHashID(remote.UID, remote.Msg, remote.TxTime, remote.PostID)
	if _, err := s.PostRemote(remote); err != nil {
		t.Fatalf("post remote: %v", err)
	}

	author := wire.UID("usera")
	posts, err := s.Get(&author, 0, 0, 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("got %d posts for usera, want 2", len(posts))
	}
	for _, p := range posts {
		if p.UID != "usera" {
			t.Errorf("get leaked post from %s", p.UID)
		}
	}

	// posts is newest first, so posts[1] is a1; begin is exclusive.
	ranged, err := s.Get(&author, posts[1].TxTime, 0, 10)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if len(ranged) != 1 || ranged[0].Msg != "a2" {
		t.Fatalf("get after a1's txtime = %v, want only a2", ranged)
	}
}

// TestPullBootstrapReturnsEverything covers spec scenario S2: a peer
// with no friends entries yet should receive all locally-authored
// posts.
func TestPullBootstrapReturnsEverything(t *testing.T) {
	s := openTest(t, "usera")
	s.PostLocal("p1")
	s.PostLocal("p2")

	posts, err := s.Pull("userb", nil)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("bootstrap pull returned %d posts, want 2", len(posts))
	}
}

func TestPullIncrementalReturnsOnlyNewerPosts(t *testing.T) {
	s := openTest(t, "usera")
	first, _ := s.PostLocal("p1")
	s.PostLocal("p2")

	posts, err := s.Pull("userb", []wire.PullFriend{{FID: "usera", TxTime: first.TxTime}})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("incremental pull returned %d posts, want 1", len(posts))
	}
	if posts[0].Msg != "p2" {
		t.Errorf("pull returned %q, want p2", posts[0].Msg)
	}
}

// TestGenGapDetectsBreakInSequence covers spec scenario S3: author
// userb has posts 1 and 3 but not 2; gen_gap should report the window
// around the missing postid 2, plus nothing once it's filled in.
func TestGenGapDetectsBreakInSequence(t *testing.T) {
	s := openTest(t, "usera")

	insert := func(uid wire.UID, postid, txtime int64, msg string) {
		p := wire.Post{UID: uid, PostID: postid, TxTime: txtime, Msg: msg}
		p.HashID = wire.ComputeHashID(uid, msg, txtime, postid)
		if _, err := s.PostRemote(p); err != nil {
			t.Fatalf("insert %s/%d: %v", uid, postid, err)
		}
	}
	insert("userb", 1, 10, "first")
	insert("userb", 3, 30, "third")

	gaps, err := s.GenGap()
	if err != nil {
		t.Fatalf("gen gap: %v", err)
	}
	windows, ok := gaps["userb"]
	if !ok || len(windows) != 1 {
		t.Fatalf("gen gap = %v, want one window for userb", gaps)
	}
	if windows[0] != (wire.Window{Start: 10, End: 30}) {
		t.Errorf("gap window = %v, want (10, 30)", windows[0])
	}

	insert("userb", 2, 20, "second")
	gaps, err = s.GenGap()
	if err != nil {
		t.Fatalf("gen gap after fill: %v", err)
	}
	if len(gaps) != 0 {
		t.Errorf("gen gap after fill = %v, want empty", gaps)
	}
}

func TestGapServesRequestedWindowAndAdvancesFriendTime(t *testing.T) {
	s := openTest(t, "usera")
	p := wire.Post{UID: "userb", PostID: 1, TxTime: 15, Msg: "hi"}
	p.HashID = wire.ComputeHashID(p.UID, p.Msg, p.TxTime, p.PostID)
	if _, err := s.PostRemote(p); err != nil {
		t.Fatalf("insert: %v", err)
	}

	posts, err := s.Gap("userc", wire.GapFriends{"userb": {{Start: 0, End: 20}}})
	if err != nil {
		t.Fatalf("gap: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("gap returned %d posts, want 1", len(posts))
	}

	var txtime int64
	row := s.db.QueryRow(`SELECT txtime FROM friends WHERE uid = ? AND fid = ?`, "userc", "userb")
	if err := row.Scan(&txtime); err != nil {
		t.Fatalf("friend time: %v", err)
	}
	if txtime != 20 {
		t.Errorf("FriendTime[userc, userb] = %d, want 20", txtime)
	}
}

func kindOf(err error) Kind {
	se, ok := err.(*Error)
	if !ok {
		return -1
	}
	return se.Kind
}
