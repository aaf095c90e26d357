package ledger

import (
	"testing"
	"time"

	"github.com/regen-network/koi/pkg/crypto"
	"github.com/regen-network/koi/pkg/observability"
)

type fakeResolver struct {
	known map[string]bool
}

func (f *fakeResolver) Exists(cid string) bool { return f.known[cid] }

func newFakeResolver(cids ...string) *fakeResolver {
	known := make(map[string]bool)
	for _, c := range cids {
		known[c] = true
	}
	return &fakeResolver{known: known}
}

func testCAT(catID, inputCid, outputCid, inputRid, outputRid string) CAT {
	return CAT{
		CatID:     catID,
		Operation: "normalize",
		Timestamp: time.Unix(0, 0).UTC(),
		InputRid:  inputRid,
		InputCid:  inputCid,
		OutputRid: outputRid,
		OutputCid: outputCid,
		Recipe:    Recipe{Stage: "normalize"},
		Agent:     "koi-pipeline",
	}
}

func TestLedgerAppend(t *testing.T) {
	resolver := newFakeResolver("cid:sha256:in", "cid:sha256:out")
	l := NewLedger(resolver)

	res, err := l.Append(testCAT("cat:normalize:1", "cid:sha256:in", "cid:sha256:out", "orn:doc:1", "orn:doc:1"))
	if err != nil {
		t.Fatal(err)
	}
	if res != Appended {
		t.Fatalf("expected Appended, got %s", res)
	}
	if l.Length() != 1 {
		t.Fatalf("expected length 1, got %d", l.Length())
	}
}

func TestLedgerAppendIdempotent(t *testing.T) {
	resolver := newFakeResolver("cid:sha256:in", "cid:sha256:out")
	l := NewLedger(resolver)
	cat := testCAT("cat:normalize:1", "cid:sha256:in", "cid:sha256:out", "orn:doc:1", "orn:doc:1")

	if _, err := l.Append(cat); err != nil {
		t.Fatal(err)
	}
	res, err := l.Append(cat)
	if err != nil {
		t.Fatal(err)
	}
	if res != AlreadyPresent {
		t.Fatalf("expected AlreadyPresent on re-append, got %s", res)
	}
	if l.Length() != 1 {
		t.Fatalf("expected single row after duplicate append, got %d", l.Length())
	}
}

func TestLedgerBrokenProvenance(t *testing.T) {
	resolver := newFakeResolver("cid:sha256:in")
	l := NewLedger(resolver)

	_, err := l.Append(testCAT("cat:normalize:1", "cid:sha256:in", "cid:sha256:missing", "orn:doc:1", "orn:doc:1"))
	if err == nil {
		t.Fatal("expected broken provenance error for unresolved output cid")
	}
}

func TestLedgerRetroactiveSentinel(t *testing.T) {
	resolver := newFakeResolver("cid:sha256:out")
	l := NewLedger(resolver)

	cat := testCAT("cat:normalize:1", RetroactiveSentinelCID, "cid:sha256:out", "", "orn:doc:1")
	cat.Retroactive = true

	if _, err := l.Append(cat); err != nil {
		t.Fatalf("retroactive receipt with sentinel input should be valid: %v", err)
	}
}

func TestLedgerChainFor(t *testing.T) {
	resolver := newFakeResolver("cid:a", "cid:b", "cid:c")
	l := NewLedger(resolver)

	if _, err := l.Append(testCAT("cat:normalize:1", "cid:a", "cid:b", "orn:doc:1", "orn:doc:1")); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(testCAT("cat:markdown:1", "cid:b", "cid:c", "orn:doc:1", "orn:doc:1")); err != nil {
		t.Fatal(err)
	}

	chain, err := l.ChainFor("orn:doc:1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2-step chain, got %d", len(chain))
	}
	if chain[0].Operation != "normalize" || chain[1].Operation != "markdown" {
		t.Fatalf("chain not in oldest-to-newest order: %+v", chain)
	}
}

func TestLedgerVerify(t *testing.T) {
	resolver := newFakeResolver("cid:a", "cid:b", "cid:c")
	l := NewLedger(resolver)
	_, _ = l.Append(testCAT("cat:1", "cid:a", "cid:b", "orn:doc:1", "orn:doc:1"))
	_, _ = l.Append(testCAT("cat:2", "cid:b", "cid:c", "orn:doc:1", "orn:doc:1"))

	ok, reason := l.Verify()
	if !ok {
		t.Fatalf("expected valid chain, got: %s", reason)
	}
}

func TestLedgerHead(t *testing.T) {
	resolver := newFakeResolver("cid:a", "cid:b")
	l := NewLedger(resolver)
	if l.Head() != "genesis" {
		t.Fatal("expected genesis head")
	}
	_, _ = l.Append(testCAT("cat:1", "cid:a", "cid:b", "orn:doc:1", "orn:doc:1"))
	if l.Head() == "genesis" {
		t.Fatal("head should change after append")
	}
}

func TestComputeCatIDDeterministic(t *testing.T) {
	hash, err := RecipeHash(Recipe{Stage: "normalize"})
	if err != nil {
		t.Fatal(err)
	}
	id1 := ComputeCatID("normalize", "cid:a", "cid:b", hash)
	id2 := ComputeCatID("normalize", "cid:a", "cid:b", hash)
	if id1 != id2 {
		t.Fatal("same inputs should produce same catId")
	}
}

func TestDayShardRootGroupsByUTCDay(t *testing.T) {
	resolver := newFakeResolver("cid:a", "cid:b", "cid:c")
	l := NewLedger(resolver)

	dayOne := testCAT("cat:1", "cid:a", "cid:b", "orn:doc:1", "orn:doc:1")
	dayOne.Timestamp = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	dayTwo := testCAT("cat:2", "cid:b", "cid:c", "orn:doc:1", "orn:doc:1")
	dayTwo.Timestamp = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	if _, err := l.Append(dayOne); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(dayTwo); err != nil {
		t.Fatal(err)
	}

	root, err := l.DayShardRoot("2026-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if root == "" {
		t.Fatal("expected non-empty root")
	}

	if _, err := l.DayShardRoot("2099-01-01"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for empty shard, got %v", err)
	}
}

func TestAppendSignsCatWhenSignerConfigured(t *testing.T) {
	resolver := newFakeResolver("cid:a", "cid:b")
	signer, err := crypto.NewEd25519Signer("test-key")
	if err != nil {
		t.Fatal(err)
	}
	l := NewLedger(resolver).WithSigner(signer)

	if _, err := l.Append(testCAT("cat:1", "cid:a", "cid:b", "orn:doc:1", "orn:doc:1")); err != nil {
		t.Fatal(err)
	}

	cat, err := l.ByCatID("cat:1")
	if err != nil {
		t.Fatal(err)
	}
	if cat.Signature == "" {
		t.Fatal("expected signature to be set")
	}
}

func TestAppendRecordsTimelineEntryWhenConfigured(t *testing.T) {
	resolver := newFakeResolver("cid:a", "cid:b")
	timeline := observability.NewAuditTimeline()
	l := NewLedger(resolver).WithTimeline(timeline)

	cat := testCAT("cat:1", "cid:a", "cid:b", "orn:doc:1", "orn:doc:1")
	if _, err := l.Append(cat); err != nil {
		t.Fatal(err)
	}

	entries := timeline.Query(observability.TimelineQuery{Rid: "orn:doc:1"})
	if len(entries) != 1 {
		t.Fatalf("expected 1 timeline entry, got %d", len(entries))
	}
	if entries[0].EntryType != observability.EntryTypeCAT {
		t.Fatalf("expected EntryTypeCAT, got %s", entries[0].EntryType)
	}
}
