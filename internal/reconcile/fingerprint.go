package reconcile

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/vdavid/ticketdesk/internal/db"
)

// MinFingerprintBody is the shortest first-message body, in characters, that is
// fingerprinted. Shorter bodies carry too little signal.
const MinFingerprintBody = 40

// BucketWidth is the creation-time window two duplicates must share.
const BucketWidth = 15 * time.Minute

var (
	subjectTagPattern  = regexp.MustCompile(`^\[[^\]]+\]\s*`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
	bucketWidthSeconds = int64(BucketWidth / time.Second)
)

// Fingerprint groups tickets that are likely the same inbound conversation.
type Fingerprint struct {
	Sender   string
	Queue    string
	Subject  string
	BodyHash uint64
	Bucket   int64
}

// FingerprintOf returns the fingerprint of a ticket without a source message id.
// It returns false for tickets that have one or whose first body is too short.
func FingerprintOf(c db.DuplicateCandidate) (Fingerprint, bool) {
	if c.SourceMessageID != nil {
		return Fingerprint{}, false
	}
	if utf8.RuneCountInString(c.FirstBody) < MinFingerprintBody {
		return Fingerprint{}, false
	}

	return Fingerprint{
		Sender:   strings.ToLower(c.SenderEmail),
		Queue:    c.Queue,
		Subject:  NormalizeSubject(c.Subject),
		BodyHash: xxhash.Sum64String(c.FirstBody),
		Bucket:   TimeBucket(c.CreatedAt),
	}, true
}

// NormalizeSubject drops a leading [TAG] prefix, collapses whitespace and lower-cases.
func NormalizeSubject(subject string) string {
	s := subjectTagPattern.ReplaceAllString(subject, "")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.ToLower(s)
}

// TimeBucket returns the index of the 15-minute window t falls in. Buckets are aligned to
// the Unix epoch, so two tickets a few minutes apart can straddle a boundary.
func TimeBucket(t time.Time) int64 {
	sec := t.Unix()
	bucket := sec / bucketWidthSeconds
	if sec%bucketWidthSeconds < 0 {
		bucket--
	}
	return bucket
}
