package testfixture

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewSessionID returns a plausible upstream RRDP session_id, the way a
// real repository's UUID-based session identifiers look.
func NewSessionID() string { return uuid.NewString() }

// PublishRecord is one <publish> (or <withdraw> when Withdraw is set)
// entry for Snapshot/Delta.
type PublishRecord struct {
	URI      string
	Body     string // raw object bytes; base64-encoded by Snapshot/Delta
	Withdraw bool
	Replace  bool // include a hash attribute (delta publish-as-replace)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Snapshot renders a <snapshot> document and returns it alongside the
// hex SHA-256 hash a notification must advertise for it.
func Snapshot(uri string, records []PublishRecord) (body, hash string) {
	var b strings.Builder
	fmt.Fprintf(&b, `<snapshot xmlns="http://www.ripe.net/rpki/rrdp" version="1" uri="%s">`, uri)
	for _, r := range records {
		fmt.Fprintf(&b, `<publish uri="%s">%s</publish>`, r.URI, base64.StdEncoding.EncodeToString([]byte(r.Body)))
	}
	b.WriteString(`</snapshot>`)
	body = b.String()
	return body, sha256Hex(body)
}

// Delta renders a <delta> document for the given serial and returns it
// alongside the hex SHA-256 hash a notification must advertise for it.
// A record with Withdraw set takes its hash attribute from the SHA-256
// of Body, the withdrawn object's prior content (delta withdraws carry
// no body of their own).
func Delta(serial uint64, records []PublishRecord) (body, hash string) {
	var b strings.Builder
	fmt.Fprintf(&b, `<delta xmlns="http://www.ripe.net/rpki/rrdp" version="1" serial="%d">`, serial)
	for _, r := range records {
		switch {
		case r.Withdraw:
			fmt.Fprintf(&b, `<withdraw uri="%s" hash="%s"/>`, r.URI, sha256Hex(r.Body))
		case r.Replace:
			fmt.Fprintf(&b, `<publish uri="%s" hash="%s">%s</publish>`, r.URI, sha256Hex(r.Body), base64.StdEncoding.EncodeToString([]byte(r.Body)))
		default:
			fmt.Fprintf(&b, `<publish uri="%s">%s</publish>`, r.URI, base64.StdEncoding.EncodeToString([]byte(r.Body)))
		}
	}
	b.WriteString(`</delta>`)
	body = b.String()
	return body, sha256Hex(body)
}

// DeltaEntry is one <delta> reference a Notification advertises.
type DeltaEntry struct {
	Serial uint64
	URI    string
	Hash   string
}

// Notification renders a <notification> document advertising the given
// snapshot and (optionally empty) delta chain.
func Notification(sessionID string, serial uint64, snapshotURI, snapshotHash string, deltas []DeltaEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<notification xmlns="http://www.ripe.net/rpki/rrdp" version="1" session_id="%s" serial="%d">`, sessionID, serial)
	fmt.Fprintf(&b, `<snapshot uri="%s" hash="%s"/>`, snapshotURI, snapshotHash)
	for _, d := range deltas {
		fmt.Fprintf(&b, `<delta serial="%d" uri="%s" hash="%s"/>`, d.Serial, d.URI, d.Hash)
	}
	b.WriteString(`</notification>`)
	return b.String()
}
