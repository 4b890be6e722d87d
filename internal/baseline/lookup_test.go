package baseline

import (
	"testing"
)

func TestMembershipRAMHit(t *testing.T) {
	c := NewCache(10, nil, nil)
	c.Upsert(obs(1, -50), 100)
	m := NewMembership(c, nil, func() uint32 { return 100 })
	if !m.Contains(key(1)) {
		t.Fatal("resident device not a member")
	}
}

func TestMembershipStoreFallthroughMemoized(t *testing.T) {
	st := openStore(t)
	c := NewCache(2, st, nil)
	var now uint32 = 1000
	m := NewMembership(c, st, func() uint32 { return now })

	// Fill past capacity so device 1 is evicted to the store.
	c.Upsert(obs(1, -50), 100)
	c.Upsert(obs(2, -50), 200)
	c.Upsert(obs(3, -50), 300)
	if c.Contains(key(1)) {
		t.Fatal("expected eviction of device 1")
	}

	if !m.Contains(key(1)) {
		t.Fatal("evicted device lost baseline membership")
	}
	if m.Contains(key(9)) {
		t.Fatal("never-seen device reported as member")
	}

	// The negative answer is memoized and stays stable.
	if m.Contains(key(9)) {
		t.Fatal("memoized negative flipped")
	}
	now += LookupTTLMs + 1
	if m.Contains(key(9)) {
		t.Fatal("expired entry should requery the store")
	}
}

func TestMembershipResetPurges(t *testing.T) {
	st := openStore(t)
	c := NewCache(2, st, nil)
	var now uint32 = 1000
	m := NewMembership(c, st, func() uint32 { return now })

	c.Upsert(obs(1, -50), 100)
	c.Upsert(obs(2, -50), 200)
	c.Upsert(obs(3, -50), 300)
	if !m.Contains(key(1)) {
		t.Fatal("evicted device should be a member")
	}

	// After a purge the store is consulted again; destroy it first and the
	// answer flips immediately instead of waiting out the TTL.
	recBefore := m.Contains(key(1))
	if !recBefore {
		t.Fatal("memoized positive lost")
	}
	m.Reset()
	c.Reset()
	if err := st.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if m.Contains(key(1)) {
		t.Fatal("membership survived reset and store destruction")
	}
}
