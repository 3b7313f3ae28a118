package ledger

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/zmlAEQ/Aequa-gateway/pkg/logger"
	"github.com/zmlAEQ/Aequa-gateway/pkg/metrics"
)

// Checkpointer persists ledger state to a single file using an atomic write
// (tmp+fsync+rename) and keeps the previous file as .bak for recovery.
// Payloads may be sealed with AES-256-GCM.
type Checkpointer struct {
	mu      sync.Mutex
	path    string
	aead    cipher.AEAD
	encrypt bool
}

var (
	ErrNoCheckpoint = errors.New("ledger: no usable checkpoint")
	errBadMagic     = errors.New("bad magic")
	errBadLength    = errors.New("bad length")
	errCRC          = errors.New("crc mismatch")
)

const (
	magicCheckpoint uint32 = 0x4c444752 // 'LDGR'
	ckptVersion     uint16 = 1
	flagEncrypt     uint16 = 1 << 0
	headerSize             = 4 + 2 + 2 + 4 + 4
)

// On disk:
// [magic u32][version u16][flags u16][length u32][crc32 u32][payload ...]
// payload is the RLP snapshot, or nonce(12B)||ciphertext when encrypted.

type snapshotEntry struct {
	Key   string
	Value []byte
}

type snapshot struct {
	Head    Block
	Entries []snapshotEntry
}

func NewCheckpointer(path string) *Checkpointer { return &Checkpointer{path: path} }

// NewCheckpointerEncrypted seals payloads with key (32 bytes). A key of any
// other length leaves encryption off.
func NewCheckpointerEncrypted(path string, key []byte) *Checkpointer {
	c := &Checkpointer{path: path}
	if len(key) != 32 {
		return c
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return c
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return c
	}
	c.aead, c.encrypt = a, true
	return c
}

// NewCheckpointerFromEnv enables encryption when AEQUA_CHECKPOINT_KEY holds
// 64 hex characters.
func NewCheckpointerFromEnv(path string) *Checkpointer {
	if s := os.Getenv("AEQUA_CHECKPOINT_KEY"); s != "" {
		if k, err := hex.DecodeString(s); err == nil {
			return NewCheckpointerEncrypted(path, k)
		}
	}
	return NewCheckpointer(path)
}

func (c *Checkpointer) Path() string { return c.path }

// Save writes the current state of l.
func (c *Checkpointer) Save(_ context.Context, l *Ledger) error {
	begin := time.Now()
	l.mu.Lock()
	snap := snapshot{Head: l.head}
	for _, k := range l.keysLocked("") {
		snap.Entries = append(snap.Entries, snapshotEntry{Key: k, Value: l.state[k]})
	}
	l.mu.Unlock()

	payload, err := rlp.EncodeToBytes(&snap)
	if err == nil {
		c.mu.Lock()
		err = c.writeAtomic(payload)
		c.mu.Unlock()
	}
	if err != nil {
		metrics.Inc("ledger_checkpoint_errors_total", nil)
		logger.ErrorJ("ledger_checkpoint", map[string]any{"op": "persist", "result": "error", "err": err.Error()})
		return err
	}
	ms := float64(time.Since(begin).Milliseconds())
	metrics.ObserveSummary("ledger_checkpoint_ms", nil, ms)
	logger.InfoJ("ledger_checkpoint", map[string]any{"op": "persist", "result": "ok", "height": snap.Head.Number, "keys": len(snap.Entries), "latency_ms": ms})
	return nil
}

// Load replaces the state of l with the checkpoint, falling back to .bak when
// the main file is damaged.
func (c *Checkpointer) Load(_ context.Context, l *Ledger) error {
	c.mu.Lock()
	snap, err := c.readFile(c.path)
	result := "ok"
	if err != nil {
		snap, err = c.readFile(c.path + ".bak")
		result = "fallback"
	}
	c.mu.Unlock()
	if err != nil {
		metrics.Inc("ledger_recovery_total", map[string]string{"result": "fail"})
		logger.InfoJ("ledger_checkpoint", map[string]any{"op": "recovery", "result": "miss"})
		return ErrNoCheckpoint
	}
	l.mu.Lock()
	l.state = make(map[string][]byte, len(snap.Entries))
	for _, e := range snap.Entries {
		l.state[e.Key] = e.Value
	}
	l.head = snap.Head
	l.mu.Unlock()
	metrics.Inc("ledger_recovery_total", map[string]string{"result": result})
	logger.InfoJ("ledger_checkpoint", map[string]any{"op": "recovery", "result": result, "height": snap.Head.Number})
	return nil
}

func (c *Checkpointer) writeAtomic(payload []byte) error {
	dir := filepath.Dir(c.path)
	tmp := c.path + ".tmp"

	flags := uint16(0)
	body := payload
	if c.encrypt {
		nonce := make([]byte, c.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		body = append(nonce, c.aead.Seal(nil, nonce, payload, nil)...)
		flags |= flagEncrypt
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:], magicCheckpoint)
	binary.BigEndian.PutUint16(hdr[4:], ckptVersion)
	binary.BigEndian.PutUint16(hdr[6:], flags)
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(body)))
	binary.BigEndian.PutUint32(hdr[12:], crc32.ChecksumIEEE(body))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err = f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err = f.Write(body); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if _, err := os.Stat(c.path); err == nil {
		_ = os.Rename(c.path, c.path+".bak")
	}
	if err = os.Rename(tmp, c.path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func (c *Checkpointer) readFile(path string) (snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return snapshot{}, err
	}
	defer f.Close()
	var hdr [headerSize]byte
	if _, err = io.ReadFull(f, hdr[:]); err != nil {
		return snapshot{}, err
	}
	if binary.BigEndian.Uint32(hdr[0:]) != magicCheckpoint {
		return snapshot{}, errBadMagic
	}
	flags := binary.BigEndian.Uint16(hdr[6:])
	length := binary.BigEndian.Uint32(hdr[8:])
	want := binary.BigEndian.Uint32(hdr[12:])
	if length == 0 {
		return snapshot{}, errBadLength
	}
	body := make([]byte, int(length))
	if _, err = io.ReadFull(f, body); err != nil {
		return snapshot{}, err
	}
	if crc32.ChecksumIEEE(body) != want {
		return snapshot{}, errCRC
	}
	plain := body
	if flags&flagEncrypt != 0 {
		if c.aead == nil {
			return snapshot{}, errors.New("encrypted but no key")
		}
		ns := c.aead.NonceSize()
		if len(body) < ns {
			return snapshot{}, errBadLength
		}
		if plain, err = c.aead.Open(nil, body[:ns], body[ns:], nil); err != nil {
			return snapshot{}, err
		}
	}
	var snap snapshot
	if err := rlp.DecodeBytes(plain, &snap); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}
