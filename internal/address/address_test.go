package address

import (
	"testing"

	"github.com/klingon-exchange/klingvault/internal/cryptoutil"
)

func TestChunkKeyIsDeterministicAndContentDependent(t *testing.T) {
	a := ChunkKey([]byte("hello"))
	b := ChunkKey([]byte("hello"))
	c := ChunkKey([]byte("world"))

	if a != b {
		t.Fatalf("ChunkKey() not deterministic: %x != %x", a, b)
	}
	if a == c {
		t.Fatalf("ChunkKey() collided for different content")
	}
	if a.IsZero() {
		t.Fatalf("ChunkKey() should never be the zero key")
	}
}

func TestRegisterKeyDependsOnOwnerAndTag(t *testing.T) {
	owner, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	other, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	k1 := RegisterKey(RegisterAddress{Owner: owner.Public(), Tag: "profile"})
	k2 := RegisterKey(RegisterAddress{Owner: owner.Public(), Tag: "profile"})
	k3 := RegisterKey(RegisterAddress{Owner: owner.Public(), Tag: "settings"})
	k4 := RegisterKey(RegisterAddress{Owner: other.Public(), Tag: "profile"})

	if k1 != k2 {
		t.Fatalf("RegisterKey() not deterministic")
	}
	if k1 == k3 {
		t.Fatalf("RegisterKey() ignored the tag")
	}
	if k1 == k4 {
		t.Fatalf("RegisterKey() ignored the owner")
	}
}

func TestSpendKeyDependsOnUniquePubkey(t *testing.T) {
	a, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b, err := cryptoutil.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if SpendKey(a.Public()) != SpendKey(a.Public()) {
		t.Fatalf("SpendKey() not deterministic")
	}
	if SpendKey(a.Public()) == SpendKey(b.Public()) {
		t.Fatalf("SpendKey() collided for different pubkeys")
	}
}

func TestKeyHex(t *testing.T) {
	k := ChunkKey([]byte("x"))
	if len(k.Hex()) != 64 {
		t.Fatalf("Hex() length = %d, want 64", len(k.Hex()))
	}
}
