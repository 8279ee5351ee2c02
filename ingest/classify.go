package ingest

import (
	"bufio"
	"bytes"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"pretackler/sched"
)

// classify assigns the channel class: files at or over the byte threshold,
// or with at least the threshold line count, go to the long channel. With
// the long channel disabled everything is normal.
func classify(path string, size uint64, opts Options) sched.Class {
	if !opts.LongChannelEnabled {
		return sched.ClassNormal
	}
	if opts.LongBytesThreshold > 0 && size >= opts.LongBytesThreshold {
		return sched.ClassLong
	}
	if opts.LongLinesThreshold > 0 {
		lines, err := countLines(path)
		if err != nil {
			log.Warnf("could not count lines in %s, leaving it on the normal channel: %v", path, err)
			return sched.ClassNormal
		}
		if lines >= opts.LongLinesThreshold {
			return sched.ClassLong
		}
	}
	return sched.ClassNormal
}

func countLines(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var lines uint64
	reader := bufio.NewReader(f)
	buf := make([]byte, 64*1024)
	for {
		n, err := reader.Read(buf)
		lines += uint64(bytes.Count(buf[:n], []byte{'\n'}))
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return 0, err
		}
	}
}
