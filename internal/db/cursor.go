package db

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCursor is returned when a cursor cannot be decoded or verified.
var ErrInvalidCursor = errors.New("invalid cursor")

// RunCursor is the opaque pagination token for ListRuns.
type RunCursor struct {
	CreatedAt string `json:"c"`
	ID        string `json:"i"`
	Total     int    `json:"t,omitempty"`
}

func (db *DB) sign(data []byte) []byte {
	db.cursorMu.RLock()
	mac := hmac.New(sha256.New, db.cursorSecret)
	db.cursorMu.RUnlock()
	mac.Write(data)
	return mac.Sum(nil)
}

// EncodeCursor returns a signed, base64-encoded cursor string.
func (db *DB) EncodeCursor(c RunCursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data) + "." +
		base64.RawURLEncoding.EncodeToString(db.sign(data))
}

// DecodeCursor verifies and parses a cursor produced by EncodeCursor.
func (db *DB) DecodeCursor(s string) (RunCursor, error) {
	payload, sigStr, ok := strings.Cut(s, ".")
	if !ok {
		return RunCursor{}, fmt.Errorf("%w: invalid format", ErrInvalidCursor)
	}
	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return RunCursor{}, fmt.Errorf("%w: invalid payload: %v", ErrInvalidCursor, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigStr)
	if err != nil {
		return RunCursor{}, fmt.Errorf("%w: invalid signature encoding: %v", ErrInvalidCursor, err)
	}
	if !hmac.Equal(sig, db.sign(data)) {
		return RunCursor{}, fmt.Errorf("%w: signature mismatch", ErrInvalidCursor)
	}
	var c RunCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return RunCursor{}, fmt.Errorf("%w: invalid json: %v", ErrInvalidCursor, err)
	}
	return c, nil
}
