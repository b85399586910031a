package messages

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Delimiter separates routing identities from the signed message parts.
var Delimiter = []byte("<IDS|MSG>")

const ProtocolVersion = "5.3"

var ErrBadSignature = errors.New("invalid message signature")

type Header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is a decoded kernel message. ParentHeader, Metadata and Content
// stay raw so callers decode only what they need.
type Message struct {
	Identities   [][]byte
	Header       Header
	ParentHeader json.RawMessage
	Metadata     json.RawMessage
	Content      json.RawMessage
	Buffers      [][]byte
}

// ParentMsgID returns the msg_id of the request this message answers.
func (m *Message) ParentMsgID() string {
	var parent Header
	if len(m.ParentHeader) == 0 {
		return ""
	}
	if err := json.Unmarshal(m.ParentHeader, &parent); err != nil {
		return ""
	}
	return parent.MsgID
}

// Signer signs and verifies frames with the connection key. An empty key
// disables signing, as kernels do.
type Signer struct {
	key    []byte
	scheme string
}

func NewSigner(key, scheme string) (*Signer, error) {
	if scheme != "" && scheme != "hmac-sha256" {
		return nil, errors.Errorf("unsupported signature scheme %q", scheme)
	}
	return &Signer{key: []byte(key), scheme: scheme}, nil
}

func (s *Signer) mac() hash.Hash {
	return hmac.New(sha256.New, s.key)
}

func (s *Signer) Sign(parts ...[]byte) []byte {
	if len(s.key) == 0 {
		return nil
	}
	m := s.mac()
	for _, p := range parts {
		m.Write(p)
	}
	sum := m.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

func (s *Signer) verify(sig []byte, parts ...[]byte) bool {
	if len(s.key) == 0 {
		return true
	}
	return hmac.Equal(sig, s.Sign(parts...))
}

// Session stamps outgoing headers with one session id and username.
type Session struct {
	ID       string
	Username string
	signer   *Signer
}

func NewSession(username string, signer *Signer) *Session {
	return &Session{ID: uuid.New().String(), Username: username, signer: signer}
}

// NewHeader builds a header for a fresh request of msgType.
func (s *Session) NewHeader(msgType string) Header {
	return Header{
		MsgID:    uuid.New().String(),
		Username: s.Username,
		Session:  s.ID,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:  msgType,
		Version:  ProtocolVersion,
	}
}

// Encode returns the frames of a request with the given content.
func (s *Session) Encode(header Header, content interface{}) ([][]byte, error) {
	return s.encode(header, []byte("{}"), content)
}

// EncodeReply returns the frames of a message answering parent, the way
// a kernel replies to a request.
func (s *Session) EncodeReply(parent Header, msgType string, content interface{}) ([][]byte, error) {
	p, err := json.Marshal(parent)
	if err != nil {
		return nil, err
	}
	return s.encode(s.NewHeader(msgType), p, content)
}

func (s *Session) encode(header Header, parent []byte, content interface{}) ([][]byte, error) {
	h, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	if content == nil {
		content = struct{}{}
	}
	c, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	metadata := []byte("{}")
	return [][]byte{
		Delimiter,
		s.signer.Sign(h, parent, metadata, c),
		h,
		parent,
		metadata,
		c,
	}, nil
}

// Decode parses frames received from a kernel and checks the signature.
func (s *Session) Decode(frames [][]byte) (*Message, error) {
	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, Delimiter) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errors.New("message without delimiter")
	}
	rest := frames[idx+1:]
	if len(rest) < 5 {
		return nil, errors.Errorf("message has %d parts after delimiter, need 5", len(rest))
	}
	sig, header, parent, metadata, content := rest[0], rest[1], rest[2], rest[3], rest[4]
	if !s.signer.verify(sig, header, parent, metadata, content) {
		return nil, ErrBadSignature
	}
	msg := &Message{
		Identities:   frames[:idx],
		ParentHeader: json.RawMessage(parent),
		Metadata:     json.RawMessage(metadata),
		Content:      json.RawMessage(content),
		Buffers:      rest[5:],
	}
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return nil, errors.Wrap(err, "decoding header")
	}
	return msg, nil
}
