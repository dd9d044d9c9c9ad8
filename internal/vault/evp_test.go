package vault

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgersync/ledgersync/internal/auth"
	"github.com/ledgersync/ledgersync/internal/domain"
	"github.com/ledgersync/ledgersync/internal/fault"
	"github.com/ledgersync/ledgersync/internal/remote"
	"github.com/ledgersync/ledgersync/internal/store"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type staticIdentity struct {
	seed  string
	calls atomic.Int32
}

func (s *staticIdentity) Seed(ctx context.Context) (string, error) {
	s.calls.Add(1)
	return s.seed, nil
}

type fixture struct {
	local     *store.Conn
	knowledge *store.Conn
	identity  *staticIdentity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	r := store.NewRegistry(t.TempDir())
	t.Cleanup(func() { _ = r.Close() })

	ctx := context.Background()
	local, err := r.Open(ctx, "ledger", 1, "local")
	require.NoError(t, err)
	knowledge, err := r.Open(ctx, "ledger", 1, "knowledge")
	require.NoError(t, err)

	return &fixture{local: local, knowledge: knowledge, identity: &staticIdentity{seed: "user-1"}}
}

func (f *fixture) protocol(t *testing.T, mutate ...func(*Options)) *Protocol {
	t.Helper()
	opts := Options{
		Local:      f.local,
		Knowledge:  f.knowledge,
		Identity:   f.identity,
		ResourceID: "sheet-1",
		Engine:     testEngine(),
		Now:        func() time.Time { return testNow },
	}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := NewProtocol(opts)
	require.NoError(t, err)
	return p
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.local.PutBatch(ctx, map[string][]byte{
		"ledger_assets":       []byte(`[{"amount":"2500.00","fields":{"Name":"Savings"},"id":"a1"}]`),
		"ledger_income_2024":  []byte(`[{"amount":"1500.50","fields":{"Source":"Salary"},"id":"r1","isDirty":false}]`),
		"ledger_last_updated": []byte(`"2024-02-28T09:00:00Z"`),
		domain.KeyDeviceID:    []byte(`"device-1"`),
	}))
	require.NoError(t, f.knowledge.Put(ctx, domain.KnowledgeProfile, []byte(`{"goal":"retire early"}`)))
}

func (f *fixture) ledgerKeys(t *testing.T) map[string]string {
	t.Helper()
	keys, values, err := f.local.GetAll(context.Background())
	require.NoError(t, err)
	out := map[string]string{}
	for i, k := range keys {
		out[k] = string(values[i])
	}
	return out
}

func TestExport_SerializedFormHasNoCleartext(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	env, err := f.protocol(t).Export(context.Background())
	require.NoError(t, err)
	require.NotNil(t, env.Integrity)
	assert.Contains(t, env.Payload, "ledger_assets")
	assert.NotContains(t, env.Payload, domain.KeyDeviceID)
	assert.Equal(t, `{"goal":"retire early"}`, string(env.AIMemory[domain.KnowledgeProfile]))
	assert.Equal(t, "null", string(env.AIMemory[domain.KnowledgeInsights]))

	data, err := env.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Salary")
	assert.NotContains(t, string(data), "retire early")
	assert.NotContains(t, string(data), `"payload"`)
	assert.NotContains(t, string(data), `"ai_memory"`)

	assert.True(t, json.Valid(data))

	h := env.Integrity
	assert.Equal(t, Algorithm, h.Algorithm)
	assert.Equal(t, ProtocolVersion, h.Version)
	assert.Equal(t, "sheet-1", h.ResourceID)
	assert.Equal(t, "2024-03-01T10:00:00Z", h.Timestamp)
	salt, err := DecodeBase64(h.Salt)
	require.NoError(t, err)
	assert.Len(t, salt, SaltSize)
}

func TestExportImport_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	p := f.protocol(t)

	before := f.ledgerKeys(t)

	env, err := p.Export(ctx)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	// local edits after the backup
	require.NoError(t, f.local.Put(ctx, "ledger_assets", []byte(`[]`)))
	require.NoError(t, f.local.Put(ctx, "ledger_expenses_2024", []byte(`[{"id":"x"}]`)))
	require.NoError(t, f.knowledge.Delete(ctx, domain.KnowledgeProfile))

	restored, status, err := p.Validate(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, status)
	assert.Len(t, restored.Payload, 3)

	require.NoError(t, p.Import(ctx, restored))

	after := f.ledgerKeys(t)
	for key, value := range before {
		assert.Equal(t, value, after[key], key)
	}
	assert.NotContains(t, after, "ledger_expenses_2024", "import is a full overwrite")
	assert.Equal(t, `"2024-03-01T10:00:00Z"`, after[domain.KeyLastBackup])
	assert.Equal(t, `"2024-03-01T10:00:00Z"`, after[domain.KeyLastCloudSync])
	assert.Equal(t, `"device-1"`, after[domain.KeyDeviceID])

	kb, found, err := f.knowledge.Get(ctx, domain.KnowledgeProfile)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"goal":"retire early"}`, string(kb))

	_, found, err = f.knowledge.Get(ctx, domain.KnowledgeInsights)
	require.NoError(t, err)
	assert.False(t, found, "absent knowledge entries stay absent")
}

func TestValidate_IdentityMismatch(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	env, err := f.protocol(t).Export(ctx)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	before := f.ledgerKeys(t)

	other := f.protocol(t, func(o *Options) { o.Identity = &staticIdentity{seed: "user-2"} })
	candidate, status, err := other.Validate(ctx, data)
	require.Error(t, err)
	assert.Equal(t, StatusIdentityMismatch, status)
	assert.True(t, fault.Is(err, fault.KindIdentityMismatch))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.Nil(t, candidate.Payload)

	err = other.Import(ctx, candidate)
	assert.ErrorIs(t, err, ErrNotValidated)
	assert.Equal(t, before, f.ledgerKeys(t), "local store must be untouched")
}

func TestValidate_ResourceBinding(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	env, err := f.protocol(t).Export(ctx)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	otherSheet := f.protocol(t, func(o *Options) { o.ResourceID = "sheet-2" })
	_, status, _ := otherSheet.Validate(ctx, data)
	assert.Equal(t, StatusIdentityMismatch, status)

	sameSheetURL := f.protocol(t, func(o *Options) {
		o.ResourceID = "https://docs.google.com/spreadsheets/d/sheet-1/edit"
	})
	_, status, err = sameSheetURL.Validate(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, status)
}

func TestValidate_LegacyIsNeverDecrypted(t *testing.T) {
	inputs := map[string]string{
		"not json":         `plain text`,
		"empty object":     `{}`,
		"cleartext export": `{"payload":{"ledger_assets":[]},"ai_memory":{}}`,
		"missing payload":  `{"integrity":{"signature":"ab","iv":"aa","salt":"bb"}}`,
		"missing iv":       `{"integrity":{"signature":"ab","salt":"bb"},"encrypted_payload":"cc"}`,
		"missing salt":     `{"integrity":{"signature":"ab","iv":"aa"},"encrypted_payload":"cc"}`,
		"missing sig":      `{"integrity":{"iv":"aa","salt":"bb"},"encrypted_payload":"cc"}`,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			p := f.protocol(t)

			_, status, err := p.Validate(context.Background(), []byte(input))
			require.Error(t, err)
			assert.Equal(t, StatusLegacy, status)
			assert.True(t, fault.Is(err, fault.KindLegacyFormat))
			assert.Equal(t, int32(0), f.identity.calls.Load(), "decryption must not be attempted")
		})
	}
}

func TestValidate_TamperedHeader(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	p := f.protocol(t)

	env, err := p.Export(ctx)
	require.NoError(t, err)
	env.Integrity.Timestamp = "2030-01-01T00:00:00Z"
	data, err := env.Marshal()
	require.NoError(t, err)

	candidate, status, err := p.Validate(ctx, data)
	require.Error(t, err)
	assert.Equal(t, StatusLegacy, status)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
	assert.ErrorIs(t, p.Import(ctx, candidate), ErrNotValidated)
}

func TestExportToFile(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	dir := t.TempDir()

	path, err := f.protocol(t).ExportToFile(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ledger-vault-2024-03-01.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, status, err := f.protocol(t).Validate(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, status)

	assert.Equal(t, `"2024-03-01T10:00:00Z"`, f.ledgerKeys(t)[domain.KeyLastBackup])
}

func TestImport_RejectsUnvalidatedEnvelope(t *testing.T) {
	f := newFixture(t)
	p := f.protocol(t)

	err := p.Import(context.Background(), &Envelope{Payload: map[string]json.RawMessage{"ledger_assets": []byte(`[]`)}})
	assert.ErrorIs(t, err, ErrNotValidated)
	assert.Empty(t, f.ledgerKeys(t))
}

type fakeProvider struct {
	err error
}

func (p *fakeProvider) Acquire(ctx context.Context) (auth.Credential, error) {
	if p.err != nil {
		return auth.Credential{}, p.err
	}
	return auth.Credential{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}
func (p *fakeProvider) Token() (string, bool)   { return "tok", p.err == nil }
func (p *fakeProvider) Subject() (string, bool) { return "", false }

type fakeFiles struct {
	files   map[string][]byte
	names   map[string]string
	nextID  int
	uploads []string // existing ids passed to Upload
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{files: map[string][]byte{}, names: map[string]string{}}
}

func (f *fakeFiles) Find(ctx context.Context, token, name string) (*remote.FileRef, error) {
	for id, n := range f.names {
		if n == name {
			return &remote.FileRef{ID: id, Name: n}, nil
		}
	}
	return nil, nil
}

func (f *fakeFiles) Upload(ctx context.Context, token, name string, content []byte, existingID string) (string, error) {
	f.uploads = append(f.uploads, existingID)
	if existingID != "" {
		if _, ok := f.files[existingID]; !ok {
			return "", fault.New(fault.KindNotFound, "file %s not found", existingID)
		}
		f.files[existingID] = content
		return existingID, nil
	}
	f.nextID++
	id := "file-" + string(rune('0'+f.nextID))
	f.files[id] = content
	f.names[id] = name
	return id, nil
}

func (f *fakeFiles) Download(ctx context.Context, token, fileID string) ([]byte, error) {
	content, ok := f.files[fileID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "file %s not found", fileID)
	}
	return content, nil
}

func TestCloudRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	files := newFakeFiles()
	p := f.protocol(t, func(o *Options) {
		o.Files = files
		o.Auth = &fakeProvider{}
	})

	id, err := p.UploadToCloud(ctx)
	require.NoError(t, err)
	assert.Equal(t, "file-1", id)
	assert.Equal(t, `"file-1"`, f.ledgerKeys(t)[domain.KeyCloudFileID])
	assert.Equal(t, `"2024-03-01T10:00:00Z"`, f.ledgerKeys(t)[domain.KeyLastCloudSync])

	// second upload updates in place
	id, err = p.UploadToCloud(ctx)
	require.NoError(t, err)
	assert.Equal(t, "file-1", id)
	assert.Equal(t, []string{"", "file-1"}, files.uploads)

	env, status, err := p.DownloadFromCloud(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, status)
	assert.Contains(t, env.Payload, "ledger_income_2024")
}

func TestUploadToCloud_FindsExistingFileByName(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	files := newFakeFiles()
	files.files["file-9"] = []byte(`{}`)
	files.names["file-9"] = DefaultCloudFileName

	p := f.protocol(t, func(o *Options) {
		o.Files = files
		o.Auth = &fakeProvider{}
	})

	id, err := p.UploadToCloud(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "file-9", id)
	assert.Equal(t, []string{"file-9"}, files.uploads)
}

func TestUploadToCloud_StaleCachedIDCreatesFile(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	require.NoError(t, f.local.Put(ctx, domain.KeyCloudFileID, []byte(`"gone"`)))

	files := newFakeFiles()
	p := f.protocol(t, func(o *Options) {
		o.Files = files
		o.Auth = &fakeProvider{}
	})

	id, err := p.UploadToCloud(ctx)
	require.NoError(t, err)
	assert.Equal(t, "file-1", id)
	assert.Equal(t, []string{"gone", ""}, files.uploads)
}

func TestCloud_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unconfigured := f.protocol(t)
	_, err := unconfigured.UploadToCloud(ctx)
	assert.True(t, fault.Is(err, fault.KindRemote))

	signedOut := f.protocol(t, func(o *Options) {
		o.Files = newFakeFiles()
		o.Auth = &fakeProvider{err: errors.New("no session")}
	})
	_, err = signedOut.UploadToCloud(ctx)
	assert.True(t, fault.Is(err, fault.KindAuth))

	empty := f.protocol(t, func(o *Options) {
		o.Files = newFakeFiles()
		o.Auth = &fakeProvider{}
	})
	_, _, err = empty.DownloadFromCloud(ctx)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

type fakeSubjects struct{ subject string }

func (s fakeSubjects) Subject() (string, bool) { return s.subject, s.subject != "" }

func TestDeviceIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon := NewDeviceIdentity(fakeSubjects{}, f.local)
	seed, err := anon.Seed(ctx)
	require.NoError(t, err)
	assert.Len(t, seed, 36)

	again, err := NewDeviceIdentity(nil, f.local).Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, seed, again, "device id is generated once and persisted")

	signedIn, err := NewDeviceIdentity(fakeSubjects{subject: "user-42"}, f.local).Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-42", signedIn)
}

func TestValidate_SeedStableAcrossSignIn(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	provider := auth.NewCachingProvider(auth.StaticSource{Token: "tok", Subject: "alice"}, -1)
	p := f.protocol(t, func(o *Options) {
		o.Identity = NewDeviceIdentity(provider, f.local)
	})

	env, err := p.Export(ctx)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	_, err = provider.Acquire(ctx)
	require.NoError(t, err)

	_, status, err := p.Validate(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, status)

	// another device of the same user opens it too
	other := newFixture(t)
	q := other.protocol(t, func(o *Options) {
		o.Identity = NewDeviceIdentity(auth.NewCachingProvider(auth.StaticSource{Token: "tok", Subject: "alice"}, -1), other.local)
	})
	_, status, err = q.Validate(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, status)
}

func TestExportImport_KeepsUnnormalizedText(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	p := f.protocol(t)

	nfdValue := "\"Cafe\u0301\""
	nfdKey := "{\"cafe\u0301\":1,\"caf\u00e9\":2}"
	require.NoError(t, f.local.Put(ctx, "ledger_note", []byte(nfdValue)))
	require.NoError(t, f.local.Put(ctx, "ledger_tags", []byte(nfdKey)))

	env, err := p.Export(ctx)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	restored, status, err := p.Validate(ctx, data)
	require.NoError(t, err)
	require.Equal(t, StatusValid, status)
	require.NoError(t, p.Import(ctx, restored))

	after := f.ledgerKeys(t)
	assert.Equal(t, nfdValue, after["ledger_note"])

	var tags map[string]int
	require.NoError(t, json.Unmarshal([]byte(after["ledger_tags"]), &tags))
	assert.Len(t, tags, 2, "composed and decomposed keys stay distinct")
	assert.Equal(t, 1, tags["cafe\u0301"])
	assert.Equal(t, 2, tags["caf\u00e9"])
}
