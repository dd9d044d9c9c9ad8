// Package vault implements the signed, encrypted ledger backup format and the
// key material behind it.
//
// An envelope carries every ledger_ key of the local store plus the knowledge
// base entries, sealed with AES-256-GCM under a PBKDF2 key derived from the
// owner's identity seed and the spreadsheet id. Only envelopes that decrypt
// and verify under the current identity may be imported.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/ledgersync/ledgersync/internal/auth"
	"github.com/ledgersync/ledgersync/internal/domain"
	"github.com/ledgersync/ledgersync/internal/fault"
	"github.com/ledgersync/ledgersync/internal/remote"
	"github.com/ledgersync/ledgersync/internal/store"
)

const (
	// ProtocolVersion is written into every envelope header
	ProtocolVersion = "2.0"
	// Algorithm names the cipher suite of the envelope
	Algorithm = "AES-256-GCM/PBKDF2-SHA256"
	// DefaultCloudFileName is the single file used for cloud backups
	DefaultCloudFileName = "ledger-vault.json"
	// DefaultOrigin is the origin hint of exported envelopes
	DefaultOrigin = "ledgersync"
)

// Status is the result of validating a candidate envelope
type Status string

const (
	StatusValid            Status = "valid"
	StatusIdentityMismatch Status = "identity_mismatch"
	StatusLegacy           Status = "legacy"
)

var (
	// ErrLegacyFormat is returned for envelopes missing integrity material
	ErrLegacyFormat = fault.New(fault.KindLegacyFormat, "envelope is not a signed encrypted vault")
	// ErrSignatureMismatch is returned when a decrypted envelope fails verification
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrNotValidated is returned by Import for envelopes that did not pass Validate
	ErrNotValidated = errors.New("envelope not validated")

	exportsTotal = metrics.NewCounter("ledgersync_vault_exports_total")
	importsTotal = metrics.NewCounter("ledgersync_vault_imports_total")
)

// Integrity is the signed header of an envelope
type Integrity struct {
	Signature  string `json:"signature"`
	Algorithm  string `json:"algorithm"`
	Version    string `json:"version"`
	Origin     string `json:"origin"`
	ResourceID string `json:"resource_id"`
	Timestamp  string `json:"timestamp"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
}

// Envelope is the vault file format. Payload and AIMemory only exist in
// memory after export or successful validation.
type Envelope struct {
	Integrity        *Integrity `json:"integrity"`
	EncryptedPayload string     `json:"encrypted_payload"`

	Payload  map[string]json.RawMessage `json:"-"`
	AIMemory map[string]json.RawMessage `json:"-"`

	validated bool
}

// Marshal encodes the envelope as indented JSON. Cleartext is never included.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

type sealedContent struct {
	Payload  map[string]json.RawMessage `json:"payload"`
	AIMemory map[string]json.RawMessage `json:"ai_memory"`
}

type signedContent struct {
	Integrity        Integrity `json:"integrity"`
	EncryptedPayload string    `json:"encrypted_payload"`
}

func signable(h Integrity, encrypted string) signedContent {
	h.Signature = ""
	return signedContent{Integrity: h, EncryptedPayload: encrypted}
}

// Options configures a Protocol
type Options struct {
	// Local is the partition holding the ledger_ namespace
	Local store.Partition
	// Knowledge holds the kb_ entries; optional
	Knowledge store.Partition
	Identity  IdentitySource
	// ResourceID is the spreadsheet id the envelope is bound to
	ResourceID string

	// Files and Auth enable the cloud round trip; optional
	Files         remote.FileStore
	Auth          auth.Provider
	CloudFileName string

	Origin string
	Engine *CryptoEngine
	Now    func() time.Time
}

// Protocol exports, validates and imports vault envelopes
type Protocol struct {
	opts Options
}

// NewProtocol creates a protocol instance
func NewProtocol(opts Options) (*Protocol, error) {
	if opts.Local == nil {
		return nil, fmt.Errorf("local partition is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("identity source is required")
	}
	if opts.CloudFileName == "" {
		opts.CloudFileName = DefaultCloudFileName
	}
	if opts.Origin == "" {
		opts.Origin = DefaultOrigin
	}
	if opts.Engine == nil {
		opts.Engine = NewDefaultCryptoEngine()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Protocol{opts: opts}, nil
}

// ExportFileName returns the download file name for an export taken at t
func ExportFileName(t time.Time) string {
	return fmt.Sprintf("ledger-vault-%s.json", t.Format("2006-01-02"))
}

// Export seals the current ledger namespace and knowledge base into an envelope
func (p *Protocol) Export(ctx context.Context) (*Envelope, error) {
	keys, values, err := p.opts.Local.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	payload := make(map[string]json.RawMessage)
	for i, key := range keys {
		if !strings.HasPrefix(key, domain.KeyPrefix) {
			continue
		}
		payload[key] = rawJSON(key, values[i])
	}

	aiMemory := p.readKnowledge(ctx)

	seed, err := p.opts.Identity.Seed(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindKeyDerivation, err, "failed to resolve identity seed")
	}
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}

	plaintext, err := Canonicalize(sealedContent{Payload: payload, AIMemory: aiMemory})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize vault content: %w", err)
	}

	ciphertext, iv, err := p.opts.Engine.Seal(plaintext, seed+NormalizeResourceID(p.opts.ResourceID), salt)
	if err != nil {
		return nil, err
	}

	header := Integrity{
		Algorithm:  Algorithm,
		Version:    ProtocolVersion,
		Origin:     p.opts.Origin,
		ResourceID: NormalizeResourceID(p.opts.ResourceID),
		Timestamp:  p.opts.Now().UTC().Format(time.RFC3339),
		IV:         iv,
		Salt:       EncodeBase64(salt),
	}
	signature, err := Sign(signable(header, ciphertext), seed, p.opts.ResourceID)
	if err != nil {
		return nil, err
	}
	header.Signature = signature

	exportsTotal.Inc()
	return &Envelope{
		Integrity:        &header,
		EncryptedPayload: ciphertext,
		Payload:          payload,
		AIMemory:         aiMemory,
	}, nil
}

// rawJSON keeps stored JSON as is and wraps anything else as a JSON string
func rawJSON(key string, value []byte) json.RawMessage {
	if json.Valid(value) {
		return json.RawMessage(append([]byte(nil), value...))
	}
	log.Printf("Warning: %s does not hold JSON, exporting it as a string", key)
	encoded, _ := json.Marshal(string(value))
	return encoded
}

func (p *Protocol) readKnowledge(ctx context.Context) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(domain.KnowledgeKeys()))
	for _, key := range domain.KnowledgeKeys() {
		out[key] = json.RawMessage("null")
		if p.opts.Knowledge == nil {
			continue
		}
		raw, found, err := p.opts.Knowledge.Get(ctx, key)
		if err != nil {
			log.Printf("Warning: knowledge entry %s unavailable: %v", key, err)
			continue
		}
		if found {
			out[key] = rawJSON(key, raw)
		}
	}
	return out
}

// ExportToFile writes an export to dir and returns the file path
func (p *Protocol) ExportToFile(ctx context.Context, dir string) (string, error) {
	env, err := p.Export(ctx)
	if err != nil {
		return "", err
	}
	data, err := env.Marshal()
	if err != nil {
		return "", err
	}

	now := p.opts.Now()
	path := filepath.Join(dir, ExportFileName(now))
	if err := store.AtomicWriteFile(path, data); err != nil {
		return "", err
	}
	if err := p.stamp(ctx, domain.KeyLastBackup, now); err != nil {
		log.Printf("Warning: failed to record backup time: %v", err)
	}
	return path, nil
}

// Parse decodes candidate vault JSON without validating it
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fault.Wrap(fault.KindLegacyFormat, err, "vault file is not valid JSON")
	}
	return &env, nil
}

// Validate checks that data is an envelope owned by the current identity
// and, when it is, decrypts it in place.
func (p *Protocol) Validate(ctx context.Context, data []byte) (*Envelope, Status, error) {
	env, err := Parse(data)
	if err != nil {
		return nil, StatusLegacy, err
	}
	h := env.Integrity
	if h == nil || env.EncryptedPayload == "" || h.IV == "" || h.Salt == "" || h.Signature == "" {
		return env, StatusLegacy, ErrLegacyFormat
	}

	seed, err := p.opts.Identity.Seed(ctx)
	if err != nil {
		return env, StatusIdentityMismatch, fault.Wrap(fault.KindKeyDerivation, err, "failed to resolve identity seed")
	}

	salt, err := DecodeBase64(h.Salt)
	if err != nil || len(salt) != SaltSize {
		return env, StatusIdentityMismatch, mismatch(ErrDecryptionFailed)
	}
	plaintext, err := p.opts.Engine.Open(env.EncryptedPayload, h.IV, seed+NormalizeResourceID(p.opts.ResourceID), salt)
	if err != nil {
		return env, StatusIdentityMismatch, mismatch(err)
	}

	if !VerifySignature(signable(*h, env.EncryptedPayload), seed, p.opts.ResourceID, h.Signature) {
		return env, StatusLegacy, fault.Wrap(fault.KindLegacyFormat, ErrSignatureMismatch, "vault header was modified")
	}

	var content sealedContent
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return env, StatusLegacy, fault.Wrap(fault.KindLegacyFormat, err, "vault content is corrupt")
	}
	if content.Payload == nil {
		content.Payload = map[string]json.RawMessage{}
	}

	env.Payload = content.Payload
	env.AIMemory = content.AIMemory
	env.validated = true
	return env, StatusValid, nil
}

func mismatch(err error) error {
	f := fault.New(fault.KindIdentityMismatch, "vault was sealed for a different identity or spreadsheet")
	f.Err = err
	return f
}

// Import replaces the local ledger namespace with the payload of a validated
// envelope and restores the knowledge base. Both writes run as independent
// transactions and both must succeed.
func (p *Protocol) Import(ctx context.Context, env *Envelope) error {
	if env == nil || !env.validated {
		return fault.Wrap(fault.KindLegacyFormat, ErrNotValidated, "refusing to import")
	}

	now := p.opts.Now().UTC()
	stamp, err := json.Marshal(now)
	if err != nil {
		return err
	}

	entries := make(map[string][]byte, len(env.Payload)+2)
	for key, value := range env.Payload {
		if !strings.HasPrefix(key, domain.KeyPrefix) {
			log.Printf("Warning: skipping %s outside the ledger namespace", key)
			continue
		}
		entries[key] = value
	}
	entries[domain.KeyLastBackup] = stamp
	entries[domain.KeyLastCloudSync] = stamp

	knowledge := make(map[string][]byte)
	for _, key := range domain.KnowledgeKeys() {
		value, ok := env.AIMemory[key]
		if !ok || len(value) == 0 || string(value) == "null" {
			continue
		}
		knowledge[key] = value
	}

	var g errgroup.Group
	g.Go(func() error {
		return p.opts.Local.ReplacePrefix(ctx, domain.KeyPrefix, entries)
	})
	if p.opts.Knowledge != nil && len(knowledge) > 0 {
		g.Go(func() error {
			return p.opts.Knowledge.PutBatch(ctx, knowledge)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	importsTotal.Inc()
	return nil
}

// UploadToCloud exports and stores the envelope in the single cloud file
func (p *Protocol) UploadToCloud(ctx context.Context) (string, error) {
	token, err := p.cloudToken(ctx)
	if err != nil {
		return "", err
	}

	env, err := p.Export(ctx)
	if err != nil {
		return "", err
	}
	data, err := env.Marshal()
	if err != nil {
		return "", err
	}

	fileID, err := p.cloudFileID(ctx, token)
	if err != nil {
		return "", err
	}

	id, err := p.opts.Files.Upload(ctx, token, p.opts.CloudFileName, data, fileID)
	if fileID != "" && fault.Is(err, fault.KindNotFound) {
		// the cached file was removed remotely
		id, err = p.opts.Files.Upload(ctx, token, p.opts.CloudFileName, data, "")
	}
	if err != nil {
		return "", err
	}

	encoded, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	if err := p.opts.Local.Put(ctx, domain.KeyCloudFileID, encoded); err != nil {
		log.Printf("Warning: failed to cache cloud file id: %v", err)
	}
	if err := p.stamp(ctx, domain.KeyLastCloudSync, p.opts.Now()); err != nil {
		log.Printf("Warning: failed to record cloud sync time: %v", err)
	}
	return id, nil
}

// DownloadFromCloud fetches the cloud vault and validates it
func (p *Protocol) DownloadFromCloud(ctx context.Context) (*Envelope, Status, error) {
	token, err := p.cloudToken(ctx)
	if err != nil {
		return nil, "", err
	}
	fileID, err := p.cloudFileID(ctx, token)
	if err != nil {
		return nil, "", err
	}
	if fileID == "" {
		return nil, "", fault.New(fault.KindNotFound, "no cloud vault named %s", p.opts.CloudFileName)
	}

	data, err := p.opts.Files.Download(ctx, token, fileID)
	if err != nil {
		return nil, "", err
	}
	return p.Validate(ctx, data)
}

func (p *Protocol) cloudToken(ctx context.Context) (string, error) {
	if p.opts.Files == nil || p.opts.Auth == nil {
		return "", fault.New(fault.KindRemote, "cloud storage is not configured")
	}
	cred, err := p.opts.Auth.Acquire(ctx)
	if err != nil {
		return "", fault.Wrap(fault.KindAuth, err, "sign-in required for cloud backup")
	}
	return cred.Token, nil
}

// cloudFileID returns the cached file id, else looks the file up by name
func (p *Protocol) cloudFileID(ctx context.Context, token string) (string, error) {
	raw, found, err := p.opts.Local.Get(ctx, domain.KeyCloudFileID)
	if err != nil {
		return "", err
	}
	if found {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return id, nil
		}
	}

	ref, err := p.opts.Files.Find(ctx, token, p.opts.CloudFileName)
	if err != nil {
		return "", err
	}
	if ref == nil {
		return "", nil
	}
	return ref.ID, nil
}

func (p *Protocol) stamp(ctx context.Context, key string, t time.Time) error {
	encoded, err := json.Marshal(t.UTC())
	if err != nil {
		return err
	}
	return p.opts.Local.Put(ctx, key, encoded)
}
