// Package staging implements write-then-rename output: decoded content
// streams into a uniquely named staging file beside the destination and
// becomes visible there only on Commit.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Transaction owns one attempt's output lifecycle. Exactly one of Commit or
// Discard must be reached on every path; Discard after Commit is a no-op, so
// callers defer Discard unconditionally.
type Transaction struct {
	dest      string
	stagePath string
	file      *os.File
	written   int64
	committed bool
}

// Open creates the staging file next to dest, creating parent directories as
// needed. The name carries pid, timestamp and a random suffix so concurrent
// workers and successive retry attempts never collide.
func Open(dest string) (*Transaction, error) {
	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, errors.Wrapf(err, "creating output directory for %s", dest)
		}
	}
	suffix := fmt.Sprintf("%d.%d", os.Getpid(), time.Now().UnixNano())
	if id, err := uuid.NewV4(); err == nil {
		suffix += "." + id.String()[:8]
	}
	stagePath := fmt.Sprintf("%s.staging.%s", dest, suffix)
	f, err := os.OpenFile(stagePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "creating staging file for %s", dest)
	}
	return &Transaction{dest: dest, stagePath: stagePath, file: f}, nil
}

// Append writes a decoded content delta. Writes go unbuffered to the staging
// file, so a crash mid-stream leaves partial data only at the staging path.
func (t *Transaction) Append(p []byte) error {
	if t.file == nil {
		return errors.New("append on closed staging transaction")
	}
	n, err := t.file.Write(p)
	t.written += int64(n)
	return errors.Wrapf(err, "writing staging file %s", t.stagePath)
}

// BytesWritten returns the number of bytes appended so far.
func (t *Transaction) BytesWritten() int64 {
	return t.written
}

// Commit publishes the staged content at the destination in one atomic
// rename. Only valid once, after the stream terminated normally.
func (t *Transaction) Commit() error {
	if t.committed {
		return errors.Errorf("staging transaction for %s already committed", t.dest)
	}
	if t.file == nil {
		return errors.New("commit on closed staging transaction")
	}
	if err := t.file.Sync(); err != nil {
		return errors.Wrapf(err, "syncing staging file %s", t.stagePath)
	}
	if err := t.file.Close(); err != nil {
		return errors.Wrapf(err, "closing staging file %s", t.stagePath)
	}
	t.file = nil
	if err := os.Rename(t.stagePath, t.dest); err != nil {
		os.Remove(t.stagePath)
		return errors.Wrapf(err, "publishing %s", t.dest)
	}
	t.committed = true
	return nil
}

// Discard removes the staging file unless the transaction committed.
func (t *Transaction) Discard() {
	if t.committed {
		return
	}
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	if err := os.Remove(t.stagePath); err != nil && !os.IsNotExist(err) {
		log.Errorf("failed to remove staging file %s: %v", t.stagePath, err)
	}
}
