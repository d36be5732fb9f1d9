package spend

import (
	"context"
	"testing"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/internal/cryptoutil"
	"github.com/klingon-exchange/klingvault/internal/record"
	"github.com/klingon-exchange/klingvault/pkg/logging"
)

type memStore struct {
	data map[address.Key][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[address.Key][]byte)} }

func (s *memStore) IsPresentLocally(ctx context.Context, key address.Key) (bool, error) {
	_, ok := s.data[key]
	return ok, nil
}

func (s *memStore) GetLocal(ctx context.Context, key address.Key) ([]byte, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) PutLocal(ctx context.Context, key address.Key, value []byte) error {
	s.data[key] = value
	return nil
}

type fakeNet struct {
	networkSpends     [][]byte
	doubleSpendParent map[[32]byte]bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{doubleSpendParent: make(map[[32]byte]bool)}
}

func (n *fakeNet) GetRawSpends(ctx context.Context, key [32]byte) ([][]byte, error) {
	return n.networkSpends, nil
}

func (n *fakeNet) SpendAncestryStatus(ctx context.Context, parentKey [32]byte) (bool, error) {
	return n.doubleSpendParent[parentKey], nil
}

func newSpend(t *testing.T, owner cryptoutil.PrivateKey, amount uint64, parent [32]byte) Spend {
	t.Helper()
	s := Spend{UniquePubkey: owner.Public(), Amount: amount, ParentHint: ParentHint{ParentKey: parent}}
	s.Sign(owner)
	return s
}

func TestValidateMergeAndStoreAcceptsSingleValidSpend(t *testing.T) {
	owner, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s := newSpend(t, owner, 10, [32]byte{1})

	v := &Validator{Net: newFakeNet(), Store: newMemStore(), Log: logging.Default()}
	kept, err := v.ValidateMergeAndStore(context.Background(), []Spend{s}, s.Key(), true)
	if err != nil {
		t.Fatalf("ValidateMergeAndStore: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("kept = %d spends, want 1", len(kept))
	}
}

func TestValidateMergeAndStoreRejectsInvalidSignature(t *testing.T) {
	owner, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s := newSpend(t, owner, 10, [32]byte{1})
	s.Amount = 999 // tamper after signing

	v := &Validator{Net: newFakeNet(), Store: newMemStore(), Log: logging.Default()}
	_, err = v.ValidateMergeAndStore(context.Background(), []Spend{s}, s.Key(), true)
	if err != ErrNoValidSpends {
		t.Fatalf("err = %v, want ErrNoValidSpends", err)
	}
}

func TestValidateMergeAndStoreKeepsDoubleSpendEvidence(t *testing.T) {
	owner, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s1 := newSpend(t, owner, 10, [32]byte{1})
	s2 := newSpend(t, owner, 20, [32]byte{1}) // conflicting spend, same unique pubkey

	v := &Validator{Net: newFakeNet(), Store: newMemStore(), Log: logging.Default()}
	kept, err := v.ValidateMergeAndStore(context.Background(), []Spend{s1, s2}, s1.Key(), true)
	if err != nil {
		t.Fatalf("ValidateMergeAndStore: %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("kept = %d spends, want 2 (double spend evidence preserved)", len(kept))
	}
}

func TestValidateMergeAndStorePutCapSkipsClientPut(t *testing.T) {
	owner, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	store := newMemStore()
	var local []Spend
	for i := 0; i < MaxSpendsFromPut; i++ {
		local = append(local, newSpend(t, owner, uint64(i), [32]byte{byte(i)}))
	}
	key := local[0].Key()
	encoded, err := record.Encode(record.KindSpend, local)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := store.PutLocal(context.Background(), key, encoded); err != nil {
		t.Fatalf("PutLocal: %v", err)
	}

	newcomer := newSpend(t, owner, 999, [32]byte{99})
	v := &Validator{Net: newFakeNet(), Store: store, Log: logging.Default()}

	kept, err := v.ValidateMergeAndStore(context.Background(), []Spend{newcomer}, key, true)
	if err != nil {
		t.Fatalf("ValidateMergeAndStore: %v", err)
	}
	if len(kept) != MaxSpendsFromPut {
		t.Fatalf("kept = %d, want %d (client PUT should be ignored once capped)", len(kept), MaxSpendsFromPut)
	}

	kept, err = v.ValidateMergeAndStore(context.Background(), []Spend{newcomer}, key, false)
	if err != nil {
		t.Fatalf("ValidateMergeAndStore via replication: %v", err)
	}
	if len(kept) != MaxSpendsFromPut+1 {
		t.Fatalf("kept via replication = %d, want %d", len(kept), MaxSpendsFromPut+1)
	}
}

func TestValidateMergeAndStoreInvalidParentSpendWithSingleSurvivor(t *testing.T) {
	owner, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	parent := [32]byte{7}
	s := newSpend(t, owner, 10, parent)

	net := newFakeNet()
	net.doubleSpendParent[parent] = true

	v := &Validator{Net: net, Store: newMemStore(), Log: logging.Default()}
	_, err = v.ValidateMergeAndStore(context.Background(), []Spend{s}, s.Key(), true)
	if err != ErrInvalidParentSpend {
		t.Fatalf("err = %v, want ErrInvalidParentSpend", err)
	}
}
