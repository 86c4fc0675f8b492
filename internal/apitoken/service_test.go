package apitoken

import (
	"context"
	"errors"
	"strings"
	"testing"

	"elder/api/internal/store"
)

type fakeTokenStore struct {
	tokens  map[string]store.APIToken // by prefix
	touched []string
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: map[string]store.APIToken{}}
}

func (f *fakeTokenStore) InsertAPIToken(_ context.Context, t store.APIToken) error {
	f.tokens[t.Prefix] = t
	return nil
}

func (f *fakeTokenStore) GetAPITokenByPrefix(_ context.Context, prefix string) (store.APIToken, error) {
	t, ok := f.tokens[prefix]
	if !ok {
		return store.APIToken{}, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTokenStore) ListAPITokens(context.Context) ([]store.APIToken, error) {
	var out []store.APIToken
	for _, t := range f.tokens {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTokenStore) DeleteAPIToken(_ context.Context, id string) error {
	for prefix, t := range f.tokens {
		if t.ID == id {
			delete(f.tokens, prefix)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeTokenStore) TouchAPIToken(_ context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func TestIssueAndVerify(t *testing.T) {
	fs := newFakeTokenStore()
	svc := NewService(fs)
	ctx := context.Background()

	rec, plaintext, err := svc.Issue(ctx, "ci-pipeline")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(plaintext, "eld_") {
		t.Fatalf("plaintext = %q, want eld_ prefix", plaintext)
	}
	if strings.Contains(rec.Hash, strings.SplitN(plaintext, "_", 3)[2]) {
		t.Fatal("secret must not be stored in plaintext")
	}

	got, err := svc.Verify(ctx, plaintext)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ID != rec.ID || got.Name != "ci-pipeline" {
		t.Fatalf("token = %+v", got)
	}
	if len(fs.touched) != 1 || fs.touched[0] != rec.ID {
		t.Fatalf("touched = %v", fs.touched)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	fs := newFakeTokenStore()
	svc := NewService(fs)
	ctx := context.Background()

	_, plaintext, err := svc.Issue(ctx, "ops")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	bad := []string{
		"",
		"eld_",
		"not-a-token",
		"eld_nope_deadbeef",        // unknown prefix
		plaintext + "x",            // tampered secret
		strings.ToUpper(plaintext), // case changed
	}
	for _, tok := range bad {
		if _, err := svc.Verify(ctx, tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: err = %v, want ErrInvalidToken", tok, err)
		}
	}
}

func TestRevokedTokenFailsVerify(t *testing.T) {
	fs := newFakeTokenStore()
	svc := NewService(fs)
	ctx := context.Background()

	rec, plaintext, err := svc.Issue(ctx, "temp")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := svc.Revoke(ctx, rec.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Verify(ctx, plaintext); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestIssueRequiresName(t *testing.T) {
	svc := NewService(newFakeTokenStore())
	if _, _, err := svc.Issue(context.Background(), "  "); err == nil {
		t.Fatal("blank name accepted")
	}
}

func TestTwoTokensAreIndependent(t *testing.T) {
	fs := newFakeTokenStore()
	svc := NewService(fs)
	ctx := context.Background()

	_, tok1, err := svc.Issue(ctx, "one")
	if err != nil {
		t.Fatalf("issue one: %v", err)
	}
	rec2, tok2, err := svc.Issue(ctx, "two")
	if err != nil {
		t.Fatalf("issue two: %v", err)
	}
	if tok1 == tok2 {
		t.Fatal("tokens must differ")
	}

	got, err := svc.Verify(ctx, tok2)
	if err != nil {
		t.Fatalf("verify two: %v", err)
	}
	if got.ID != rec2.ID {
		t.Fatalf("verify returned wrong token: %+v", got)
	}
}
