// Package wire defines the JSON envelope carried over UDP multicast
// and the HTTP collaborator channel: headers, posts, and the query
// sub-object, exactly as specified by the wire format in spec section 6.
package wire

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// UID identifies a node/author, globally unique within a deployment.
type UID string

// HashID is the hex SHA-1 primary key of a post.
type HashID string

// Method names carried in envelope "m" / query "m".
const (
	MethodGenPull = "gen_pull"
	MethodPull    = "pull"
	MethodGenGap  = "gen_gap"
	MethodGap     = "gap"
	MethodGenPush = "gen_push"
	MethodPush    = "push"
	MethodGet     = "get"
	// MethodPost is the HTTP collaborator's local-authoring method,
	// mirroring original_source/client.py's kwargs['m'] = 'post': it
	// never travels the multicast fabric, only the HTTP /api channel.
	MethodPost = "post"
)

// Routing destination sentinels for Headers.Hto.
const (
	HtoAll = "all"
	HtoAny = "any"
)

// Headers carries routing metadata attached to gossip envelopes.
type Headers struct {
	Hto   string `json:"hto"`
	Hfrom UID    `json:"hfrom"`
	Hid   string `json:"hid"`
	Htype string `json:"htype"`
	Httl  int    `json:"httl"`
}

// Header types for Headers.Htype.
const (
	HtypeReq = "req"
	HtypeRep = "rep"
)

// Post is one microblog entry. PostTuple below is its wire shape.
type Post struct {
	UID    UID
	PostID int64
	TxTime int64
	RxTime int64
	Msg    string
	HashID HashID
}

// PostTuple is the 6-element array wire shape for a post:
// [uid, postid, txtime, rxtime, msg, hashid].
type PostTuple [6]interface{}

// ToTuple converts a Post to its wire tuple representation.
func (p Post) ToTuple() PostTuple {
	return PostTuple{p.UID, p.PostID, p.TxTime, p.RxTime, p.Msg, p.HashID}
}

// PostFromTuple parses a wire tuple back into a Post. json.Unmarshal
// decodes numbers as float64, so they're round-tripped through that.
func PostFromTuple(t []interface{}) (Post, error) {
	if len(t) != 6 {
		return Post{}, fmt.Errorf("wire: post tuple has %d elements, want 6", len(t))
	}
	uid, ok := asString(t[0])
	if !ok {
		return Post{}, fmt.Errorf("wire: post tuple[0] uid not a string")
	}
	postID, err := asInt64(t[1])
	if err != nil {
		return Post{}, fmt.Errorf("wire: post tuple[1] postid: %w", err)
	}
	txtime, err := asInt64(t[2])
	if err != nil {
		return Post{}, fmt.Errorf("wire: post tuple[2] txtime: %w", err)
	}
	rxtime, err := asInt64(t[3])
	if err != nil {
		return Post{}, fmt.Errorf("wire: post tuple[3] rxtime: %w", err)
	}
	msg, ok := t[4].(string)
	if !ok {
		return Post{}, fmt.Errorf("wire: post tuple[4] msg not a string")
	}
	hashid, ok := asString(t[5])
	if !ok {
		return Post{}, fmt.Errorf("wire: post tuple[5] hashid not a string")
	}
	return Post{
		UID:    UID(uid),
		PostID: postID,
		TxTime: txtime,
		RxTime: rxtime,
		Msg:    msg,
		HashID: HashID(hashid),
	}, nil
}

// asString accepts a plain string (as decoded from JSON) or the UID and
// HashID types that ToTuple places in a tuple.
func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case UID:
		return string(s), true
	case HashID:
		return string(s), true
	default:
		return "", false
	}
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// ComputeHashID returns the SHA-1 hex digest of uid||msg||txtime||postid,
// the primary key binding a post's contents to its identity.
func ComputeHashID(uid UID, msg string, txtime, postid int64) HashID {
	h := sha1.New()
	fmt.Fprintf(h, "%s%s%d%d", uid, msg, txtime, postid)
	return HashID(hex.EncodeToString(h.Sum(nil)))
}

// PullFriend is one [fid, txtime] pair of the array carried by a pull query.
type PullFriend struct {
	FID    UID
	TxTime int64
}

// MarshalJSON encodes a PullFriend as a 2-element array.
func (f PullFriend) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{f.FID, f.TxTime})
}

// UnmarshalJSON decodes a PullFriend from a 2-element array.
func (f *PullFriend) UnmarshalJSON(data []byte) error {
	var raw [2]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	uid, ok := raw[0].(string)
	if !ok {
		return fmt.Errorf("wire: pull friend[0] not a string")
	}
	tx, err := asInt64(raw[1])
	if err != nil {
		return fmt.Errorf("wire: pull friend[1]: %w", err)
	}
	f.FID = UID(uid)
	f.TxTime = tx
	return nil
}

// Window is an open (start, end) time range used by gap requests:
// Store.Gap serves posts with start < txtime < end.
type Window struct {
	Start int64
	End   int64
}

// MarshalJSON encodes a Window as a 2-element array.
func (w Window) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{w.Start, w.End})
}

// UnmarshalJSON decodes a Window from a 2-element array.
func (w *Window) UnmarshalJSON(data []byte) error {
	var raw [2]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	w.Start, w.End = raw[0], raw[1]
	return nil
}

// Query is the optional sub-object describing a local-origin or
// embedded method invocation: {m, uid, friends}. Begin/Until/Limit are
// only meaningful for the "get" method, carrying the range query used
// by UI clients.
type Query struct {
	M       string          `json:"m"`
	UID     UID             `json:"uid,omitempty"`
	Friends json.RawMessage `json:"friends,omitempty"`
	Begin   int64           `json:"begin,omitempty"`
	Until   int64           `json:"until,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	// Msg carries the body of a local "post" method call.
	Msg string `json:"msg,omitempty"`
}

// Envelope is the full JSON object carried in one UDP datagram or one
// HTTP "json" parameter.
type Envelope struct {
	M       string          `json:"m,omitempty"`
	Headers *Headers        `json:"headers,omitempty"`
	Query   *Query          `json:"query,omitempty"`
	Posts   []PostTuple     `json:"posts,omitempty"`
}

// Encode serializes the envelope to UTF-8 JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a UTF-8 JSON datagram/body into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// EffectiveMethod returns the method that should drive dispatch:
// the embedded query's method takes precedence over the top-level m,
// per the processing order in spec section 4.3.
func (e Envelope) EffectiveMethod() string {
	if e.Query != nil && e.Query.M != "" {
		return e.Query.M
	}
	return e.M
}

// EncodePullFriends builds the "friends" raw payload for a gen_pull/pull
// query: an array of [fid, txtime] pairs.
func EncodePullFriends(friends []PullFriend) json.RawMessage {
	data, _ := json.Marshal(friends)
	return data
}

// DecodePullFriends parses a pull query's "friends" array.
func DecodePullFriends(raw json.RawMessage) ([]PullFriend, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var friends []PullFriend
	if err := json.Unmarshal(raw, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

// GapFriends is the fid -> windows mapping carried by a gen_gap/gap query.
type GapFriends map[UID][]Window

// EncodeGapFriends builds the "friends" raw payload for a gen_gap/gap query.
func EncodeGapFriends(friends GapFriends) json.RawMessage {
	data, _ := json.Marshal(friends)
	return data
}

// DecodeGapFriends parses a gap query's "friends" mapping.
func DecodeGapFriends(raw json.RawMessage) (GapFriends, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var friends GapFriends
	if err := json.Unmarshal(raw, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}
