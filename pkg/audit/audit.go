// Package audit records vault security events in a per-profile JSONL log
// protected by an HMAC chain.
//
// The chain key is derived from the profile's master key, so records can
// only be chained and verified while the vault is unlocked. Events that
// happen while it is locked (failed unlocks, restores) are appended to a
// pending file and folded into the chain on the next unlock.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/pmvault/pkg/atomicfile"
)

// MinAuditDiskSpace is the free space required before a record is written.
const MinAuditDiskSpace = 1024 * 1024

const (
	metaFileName    = "audit.meta"
	pendingFileName = "pending.jsonl"
	genesis         = "genesis"
	hkdfInfo        = "pmvault-audit-v1"
)

// Operations
const (
	OpVaultProvision    = "vault.provision"
	OpVaultUnlock       = "vault.unlock"
	OpVaultUnlockFailed = "vault.unlock_failed"
	OpVaultLock         = "vault.lock"
	OpVaultLogout       = "vault.logout"
	OpVaultBackup       = "vault.backup"
	OpVaultRestore      = "vault.restore"
	OpPasswordChange    = "vault.password_change"
	OpMasterKeyMigrate  = "masterkey.migrate"
	OpAttachmentSeal    = "attachment.seal"
	OpAttachmentOpen    = "attachment.open"
	OpBridgeLockRequest = "bridge.lock"
)

// Sources
const (
	SourceCLI    = "cli"
	SourceMCP    = "mcp"
	SourceBridge = "bridge"
)

// Results
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// ErrKeyNotSet is returned by operations that need the chain key.
var ErrKeyNotSet = errors.New("audit: HMAC key not set")

// Event is one audit record.
type Event struct {
	Version   int               `json:"v"`
	ID        string            `json:"id"`
	Timestamp string            `json:"ts"`
	Operation string            `json:"op"`
	Profile   string            `json:"profile"`
	Source    string            `json:"source"`
	SessionID string            `json:"session_id"`
	Result    string            `json:"result"`
	Error     *ErrorInfo        `json:"error,omitempty"`
	Context   map[string]string `json:"ctx,omitempty"`
	Deferred  bool              `json:"deferred,omitempty"` // recorded while locked
	Chain     Chain             `json:"chain"`
}

// ErrorInfo carries a public error code and message.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger writes one profile's audit log.
type Logger struct {
	path      string
	profileID string
	source    string
	sessionID string

	mu       sync.Mutex
	hmacKey  []byte
	sequence int64
	prevHash string
}

// NewLogger creates a logger for the audit directory path.
func NewLogger(path, profileID, source string) *Logger {
	return &Logger{
		path:      path,
		profileID: profileID,
		source:    source,
		sessionID: randomHex(16),
		prevHash:  genesis,
	}
}

// Path returns the audit directory.
func (l *Logger) Path() string {
	return l.path
}

// SetHMACKey derives the chain key from masterKey, loads the chain state and
// folds any pending records into the chain.
func (l *Logger) SetHMACKey(masterKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := make([]byte, 32)
	if _, err := hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)).Read(key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key

	if err := l.loadChainState(); err != nil {
		l.sequence = 0
		l.prevHash = genesis
	}
	return l.foldPending()
}

// ClearKey wipes the chain key. Later records go to the pending file.
func (l *Logger) ClearKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.hmacKey {
		l.hmacKey[i] = 0
	}
	l.hmacKey = nil
}

// HasKey reports whether records are chained immediately.
func (l *Logger) HasKey() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hmacKey != nil
}

// Log records an event. Without a chain key it is appended to the pending file.
func (l *Logger) Log(op, result string, errInfo *ErrorInfo, ctx map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	event := Event{
		Version:   1,
		ID:        newEventID(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Profile:   l.profileID,
		Source:    l.source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}

	if l.hmacKey == nil {
		event.Deferred = true
		return appendLine(filepath.Join(l.path, pendingFileName), &event)
	}
	if err := l.chain(&event); err != nil {
		return err
	}
	return l.saveChainState()
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op string, ctx map[string]string) error {
	return l.Log(op, ResultSuccess, nil, ctx)
}

// LogError records a failed operation with its public error code.
func (l *Logger) LogError(op, code, message string) error {
	return l.Log(op, ResultError, &ErrorInfo{Code: code, Message: message}, nil)
}

// LogDenied records a refused operation.
func (l *Logger) LogDenied(op, reason string) error {
	return l.Log(op, ResultDenied, nil, map[string]string{"reason": reason})
}

// chain assigns the next sequence number, signs event and appends it to
// the current month's file. Caller holds l.mu.
func (l *Logger) chain(event *Event) error {
	l.sequence++
	event.Chain = Chain{Sequence: l.sequence, PrevHash: l.prevHash}
	event.Chain.HMAC = l.sign(event)

	if err := appendLine(filepath.Join(l.path, monthFile(event.Timestamp)), event); err != nil {
		l.sequence--
		return err
	}
	l.prevHash = event.Chain.HMAC
	return nil
}

func (l *Logger) foldPending() error {
	path := filepath.Join(l.path, pendingFileName)
	events, err := readEvents(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("audit: failed to read pending records: %w", err)
	}
	for i := range events {
		events[i].Deferred = true
		if err := l.chain(&events[i]); err != nil {
			return err
		}
	}
	if err := l.saveChainState(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("audit: failed to remove pending records: %w", err)
	}
	return nil
}

// sign covers every field except the HMAC itself.
func (l *Logger) sign(event *Event) string {
	errorData := ""
	if event.Error != nil {
		errorData = event.Error.Code + "|" + event.Error.Message
	}

	var ctx strings.Builder
	keys := make([]string, 0, len(event.Context))
	for k := range event.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&ctx, "%s=%s|", k, event.Context[k])
	}

	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%t|%d|%s",
		event.Version, event.ID, event.Timestamp, event.Operation, event.Profile,
		event.Source, event.SessionID, event.Result, errorData, ctx.String(),
		event.Deferred, event.Chain.Sequence, event.Chain.PrevHash)

	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, metaFileName))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(l.path, metaFileName), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult reports the outcome of Verify.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Pending         int      `json:"pending"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify walks every monthly file and checks sequence, linkage and HMAC.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}

	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1

	for _, file := range files {
		events, err := readEvents(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", filepath.Base(file), err)
		}
		for i := range events {
			e := &events[i]
			result.RecordsTotal++
			ok := true
			if e.Chain.Sequence != expectedSeq {
				ok = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"sequence gap at record %s: expected %d, got %d", e.ID, expectedSeq, e.Chain.Sequence))
			}
			if e.Chain.PrevHash != expectedPrev {
				ok = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"chain broken at record %s", e.ID))
			}
			if !hmac.Equal([]byte(e.Chain.HMAC), []byte(l.sign(e))) {
				ok = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"HMAC mismatch at record %s: possible tampering", e.ID))
			}
			if ok {
				result.RecordsVerified++
			} else {
				result.Valid = false
			}
			expectedPrev = e.Chain.HMAC
			expectedSeq++
		}
	}

	if pending, err := readEvents(filepath.Join(l.path, pendingFileName)); err == nil {
		result.Pending = len(pending)
	}
	return result, nil
}

// ListEvents returns chained events newer than since, most recent last.
// limit 0 returns all of them.
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, file := range files {
		events, err := readEvents(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", filepath.Base(file), err)
		}
		for _, e := range events {
			if !since.IsZero() {
				ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
				if err != nil || !ts.After(since) {
					continue
				}
			}
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// logFiles returns the monthly files in chronological order.
func (l *Logger) logFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "????-??.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func monthFile(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		t = time.Now().UTC()
	}
	return t.Format("2006-01") + ".jsonl"
}

func appendLine(path string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return f.Sync()
}

func readEvents(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}

// newEventID is time-sortable: 6 bytes of milliseconds then 10 random bytes.
func newEventID() string {
	ts := time.Now().UnixMilli()
	b := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		b[i] = byte(ts)
		ts >>= 8
	}
	return hex.EncodeToString(b) + randomHex(10)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
