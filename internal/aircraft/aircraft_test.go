package aircraft

import "testing"

func TestGetOrCreate(t *testing.T) {
	m := NewMap()
	ac, created := m.GetOrCreate(0x4840D6)
	if !created {
		t.Fatalf("created = false on first call, want true")
	}
	if ac.ICAO != 0x4840D6 {
		t.Errorf("ICAO = %#x, want 0x4840d6", ac.ICAO)
	}

	again, created := m.GetOrCreate(0x4840D6)
	if created {
		t.Fatalf("created = true on second call, want false")
	}
	if again != ac {
		t.Errorf("GetOrCreate returned a different record on the second call")
	}
}

func TestGetMissing(t *testing.T) {
	m := NewMap()
	if got := m.Get(0x123456); got != nil {
		t.Errorf("Get() on empty map = %v, want nil", got)
	}
}

func TestRemoveIfTwoPass(t *testing.T) {
	m := NewMap()
	m.GetOrCreate(1)
	m.GetOrCreate(2)
	m.GetOrCreate(3)

	var removed []uint32
	m.RemoveIf(func(ac *Aircraft) bool {
		return ac.ICAO != 2
	}, func(ac *Aircraft) {
		removed = append(removed, ac.ICAO)
	})

	if m.Len() != 1 {
		t.Fatalf("Len() = %d after RemoveIf, want 1", m.Len())
	}
	if m.Get(2) == nil {
		t.Errorf("the surviving aircraft was removed")
	}
	if len(removed) != 2 {
		t.Fatalf("onRemove called %d times, want 2", len(removed))
	}
}

func TestResetClearsMap(t *testing.T) {
	m := NewMap()
	m.GetOrCreate(1)
	m.GetOrCreate(2)
	m.Reset()
	if m.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", m.Len())
	}
}

func TestDelete(t *testing.T) {
	m := NewMap()
	m.GetOrCreate(1)
	m.Delete(1)
	if m.Get(1) != nil {
		t.Errorf("Get() after Delete = non-nil, want nil")
	}
}
