package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Artifact file names inside the artifacts directory.
const (
	PatchFile          = "patch.diff"
	DescriptionFile    = "PR_BODY.en.md"
	TranslatedFile     = "PR_BODY.md"
	LastOutputFile     = "last-output.txt"
	GateLogFile        = "gates.log"
	LastFailedGateFile = "gates.last.log"
	PublishRecordDir   = "publish"
)

// Store manages the per-run artifacts on disk. Every file is overwritten per
// run; nothing here is durable state across unrelated runs.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the artifacts directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// PatchPath returns the location of the patch artifact.
func (s *Store) PatchPath() string { return s.path(PatchFile) }

// GateLogPath returns the location of the latest gate log.
func (s *Store) GateLogPath() string { return s.path(GateLogFile) }

// LastFailedGateLogPath returns where the log of the last failed transaction is kept.
func (s *Store) LastFailedGateLogPath() string { return s.path(LastFailedGateFile) }

// LastOutputPath returns the location of the raw last generation output.
func (s *Store) LastOutputPath() string { return s.path(LastOutputFile) }

// Clean removes the artifacts produced by a generation attempt. Gate logs are
// kept so feedback can still reference them.
func (s *Store) Clean() error {
	var errs []error
	for _, name := range []string{PatchFile, DescriptionFile, TranslatedFile, LastOutputFile} {
		if err := removeIfExists(s.path(name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HasPatch reports whether a patch artifact exists.
func (s *Store) HasPatch() bool {
	info, err := os.Stat(s.PatchPath())
	return err == nil && !info.IsDir()
}

// WritePatch persists the diff with a trailing newline.
func (s *Store) WritePatch(diff string) error {
	return WriteAtomic(s.PatchPath(), []byte(ensureNewline(diff)))
}

// ReadPatch returns the patch artifact.
func (s *Store) ReadPatch() (string, error) {
	data, err := os.ReadFile(s.PatchPath())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteDescription persists the original-language change description.
func (s *Store) WriteDescription(body string) error {
	return WriteAtomic(s.path(DescriptionFile), []byte(ensureNewline(body)))
}

// WriteTranslatedDescription persists the secondary-language description.
func (s *Store) WriteTranslatedDescription(body string) error {
	return WriteAtomic(s.path(TranslatedFile), []byte(ensureNewline(body)))
}

// ReadDescription returns the translated description when present, else the
// original one, else "".
func (s *Store) ReadDescription() (string, error) {
	for _, name := range []string{TranslatedFile, DescriptionFile} {
		body, err := readOptional(s.path(name))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		if strings.TrimSpace(body) != "" {
			return body, nil
		}
	}
	return "", nil
}

// WriteLastOutput stores the raw generation output.
func (s *Store) WriteLastOutput(out string) error {
	return WriteAtomic(s.LastOutputPath(), []byte(out))
}

// ReadLastOutput returns the raw last generation output, "" if absent.
func (s *Store) ReadLastOutput() (string, error) {
	return readOptional(s.LastOutputPath())
}

// WriteGateLog overwrites the gate log.
func (s *Store) WriteGateLog(log string) error {
	return WriteAtomic(s.GateLogPath(), []byte(log))
}

// ReadGateLog returns the gate log, "" if absent.
func (s *Store) ReadGateLog() (string, error) {
	return readOptional(s.GateLogPath())
}

// PreserveGateLog copies the current gate log to the last-failure location.
func (s *Store) PreserveGateLog() error {
	return copyFile(s.GateLogPath(), s.LastFailedGateLogPath())
}

// ReadLastFailedGateLog returns the preserved failure log, "" if absent.
func (s *Store) ReadLastFailedGateLog() (string, error) {
	return readOptional(s.LastFailedGateLogPath())
}

// SaveAttempt archives the raw output and summary of one attempt.
func (s *Store) SaveAttempt(rec AttemptRecord, output string) error {
	return s.saveRecord(strconv.Itoa(rec.Attempt), rec, output)
}

// SavePublish archives the publish transaction under attempts/publish, next
// to the attempt whose dry run it follows.
func (s *Store) SavePublish(rec AttemptRecord, output string) error {
	return s.saveRecord(PublishRecordDir, rec, output)
}

func (s *Store) saveRecord(name string, rec AttemptRecord, output string) error {
	dir := filepath.Join(s.dir, "attempts", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir attempt dir: %w", err)
	}
	if output != "" {
		if err := WriteAtomic(filepath.Join(dir, "output.txt"), []byte(output)); err != nil {
			return err
		}
	}
	return WriteJSON(filepath.Join(dir, "result.json"), rec)
}

// ResetAttempts removes the archive of a previous run.
func (s *Store) ResetAttempts() error {
	return os.RemoveAll(filepath.Join(s.dir, "attempts"))
}

// Tail returns the last n lines of text.
func Tail(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

func ensureNewline(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	return s + "\n"
}
