// Package ingest enumerates input files into jobs: it walks the input tree,
// applies skip rules, derives destination paths, splits jobs into the normal
// and long channels, and resolves run inputs (prompt template, API key).
package ingest

import (
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"pretackler/sched"
)

// Options selects and classifies input files.
type Options struct {
	Input   string
	Version string

	SkipLargerThanMB uint64 // 0 disables the size skip
	SkipExts         []string

	LongBytesThreshold uint64
	LongLinesThreshold uint64
	LongChannelEnabled bool

	RequestTimeout time.Duration
	IdleTimeout    time.Duration
}

// Plan is the enumerated batch handed to the scheduler.
type Plan struct {
	Jobs       []sched.Job
	OutputRoot string
	SingleFile bool
	Skipped    int
}

// Collect builds the job plan for a file or directory input. Directory
// inputs mirror the source tree under a sibling output root and are
// shuffled so submission order carries no information.
func Collect(opts Options) (*Plan, error) {
	info, err := os.Stat(opts.Input)
	if err != nil {
		return nil, errors.Wrapf(err, "statting input %s", opts.Input)
	}
	if info.Mode().IsRegular() {
		return collectFile(opts, info)
	}
	if info.IsDir() {
		return collectDir(opts)
	}
	return nil, errors.Errorf("input is neither a file nor a directory: %s", opts.Input)
}

func collectFile(opts Options, info os.FileInfo) (*Plan, error) {
	dest := filepath.Join(filepath.Dir(opts.Input), summaryName(filepath.Base(opts.Input), opts.Version))
	job, err := newJob(opts.Input, dest, uint64(info.Size()), opts)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Jobs:       []sched.Job{job},
		OutputRoot: filepath.Dir(dest),
		SingleFile: true,
	}, nil
}

func collectDir(opts Options) (*Plan, error) {
	outputRoot := outputRootFor(opts.Input, opts.Version)
	if err := os.MkdirAll(outputRoot, 0777); err != nil {
		return nil, errors.Wrapf(err, "creating output root %s", outputRoot)
	}

	skipExts := normalizeExts(opts.SkipExts)
	plan := &Plan{OutputRoot: outputRoot}

	walkErr := filepath.WalkDir(opts.Input, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(opts.Input, path)
		if err != nil {
			return errors.Wrapf(err, "computing relative path for %s", path)
		}
		if d.IsDir() {
			// mirror the directory layout up front so staging files
			// always have a parent
			return os.MkdirAll(filepath.Join(outputRoot, rel), 0777)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return errors.Wrapf(err, "statting %s", path)
		}
		if skip, reason := shouldSkip(path, uint64(info.Size()), skipExts, opts.SkipLargerThanMB); skip {
			log.Infof("skipping %s: %s", path, reason)
			plan.Skipped++
			return nil
		}

		dest := filepath.Join(outputRoot, filepath.Dir(rel), summaryName(filepath.Base(rel), opts.Version))
		job, err := newJob(path, dest, uint64(info.Size()), opts)
		if err != nil {
			return err
		}
		plan.Jobs = append(plan.Jobs, job)
		return nil
	})
	if walkErr != nil {
		return nil, errors.Wrapf(walkErr, "walking input directory %s", opts.Input)
	}

	// randomize submission order; fair dispatch reorders further
	rand.Shuffle(len(plan.Jobs), func(i, j int) {
		plan.Jobs[i], plan.Jobs[j] = plan.Jobs[j], plan.Jobs[i]
	})
	return plan, nil
}

func newJob(source, dest string, size uint64, opts Options) (sched.Job, error) {
	id, err := newJobID()
	if err != nil {
		return sched.Job{}, err
	}
	return sched.Job{
		ID:             id,
		SourcePath:     source,
		DestPath:       dest,
		Language:       LanguageFor(source),
		Class:          classify(source, size, opts),
		RequestTimeout: opts.RequestTimeout,
		IdleTimeout:    opts.IdleTimeout,
	}, nil
}

func newJobID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		id, err = uuid.NewV4()
		if err != nil {
			return "", errors.Wrap(err, "generating job id")
		}
	}
	return id.String(), nil
}

func summaryName(fileName, version string) string {
	return fmt.Sprintf("%s.summary.%s.md", fileName, version)
}

func outputRootFor(inputDir, version string) string {
	parent := filepath.Dir(filepath.Clean(inputDir))
	return filepath.Join(parent, fmt.Sprintf("%s.summaries.%s", filepath.Base(filepath.Clean(inputDir)), version))
}

func normalizeExts(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if e[0] != '.' {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

func shouldSkip(path string, size uint64, skipExts map[string]bool, maxMB uint64) (bool, string) {
	if ext := strings.ToLower(filepath.Ext(path)); skipExts[ext] {
		return true, fmt.Sprintf("extension %s is excluded", ext)
	}
	if maxMB > 0 && size > maxMB<<20 {
		return true, fmt.Sprintf("size %dB exceeds %dMB limit", size, maxMB)
	}
	return false, ""
}
