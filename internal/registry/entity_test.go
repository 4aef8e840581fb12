package registry

import (
	"errors"
	"testing"

	"github.com/nerrad567/hearth-core/internal/core"
	"github.com/nerrad567/hearth-core/internal/infrastructure/storage"
)

func newEntityRegistry(t *testing.T) *EntityRegistry {
	t.Helper()
	r, err := NewEntityRegistry(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewEntityRegistry() error = %v", err)
	}
	return r
}

func TestEntityRegistryGetOrCreate(t *testing.T) {
	r := newEntityRegistry(t)

	t.Run("creates new row", func(t *testing.T) {
		row, err := r.GetOrCreate("light", "hue", "bulb-1", EntityOptions{
			SuggestedObjectID: "Kitchen Ceiling",
		}, nil)
		if err != nil {
			t.Fatalf("GetOrCreate() error = %v", err)
		}
		if row.EntityID != "light.kitchen_ceiling" {
			t.Errorf("EntityID = %s, want light.kitchen_ceiling", row.EntityID)
		}
		if row.ID == "" || row.CreatedAt.IsZero() {
			t.Error("row id or created_at not set")
		}
	})

	t.Run("returns existing row by unique id", func(t *testing.T) {
		first, _ := r.GetOrCreate("light", "hue", "bulb-1", EntityOptions{}, nil)
		again, err := r.GetOrCreate("light", "hue", "bulb-1", EntityOptions{
			SuggestedObjectID: "Different Name",
		}, nil)
		if err != nil {
			t.Fatalf("GetOrCreate() error = %v", err)
		}
		if again.ID != first.ID {
			t.Errorf("got new row %s, want existing %s", again.ID, first.ID)
		}
		if again.EntityID != "light.kitchen_ceiling" {
			t.Errorf("EntityID changed to %s", again.EntityID)
		}
	})

	t.Run("adopts unique id via entity id match", func(t *testing.T) {
		seed, err := r.GetOrCreate("switch", "manual", "", EntityOptions{
			SuggestedObjectID: "garage",
		}, nil)
		if err != nil {
			t.Fatalf("GetOrCreate() error = %v", err)
		}
		adopted, err := r.GetOrCreate("switch", "manual", "sw-42", EntityOptions{
			SuggestedObjectID: "garage",
		}, nil)
		if err != nil {
			t.Fatalf("GetOrCreate() error = %v", err)
		}
		if adopted.ID != seed.ID {
			t.Errorf("got new row %s, want adopted %s", adopted.ID, seed.ID)
		}
		if adopted.UniqueID != "sw-42" {
			t.Errorf("UniqueID = %q, want sw-42", adopted.UniqueID)
		}
	})
}

func TestEntityRegistrySoftDeleteRestore(t *testing.T) {
	r := newEntityRegistry(t)

	row, err := r.GetOrCreate("sensor", "zwave", "node-7", EntityOptions{
		SuggestedObjectID: "hallway_temp",
	}, nil)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	originalID := row.ID
	originalCreated := row.CreatedAt

	if err := r.Remove(row.EntityID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if r.Get("sensor.hallway_temp") != nil {
		t.Fatal("row still live after Remove")
	}

	restored, err := r.GetOrCreate("sensor", "zwave", "node-7", EntityOptions{
		SuggestedObjectID: "hallway_temp",
	}, nil)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if restored.ID != originalID {
		t.Errorf("restored id = %s, want original %s", restored.ID, originalID)
	}
	if !restored.CreatedAt.Equal(originalCreated) {
		t.Errorf("restored created_at = %v, want original %v", restored.CreatedAt, originalCreated)
	}
	if restored.EntityID != "sensor.hallway_temp" {
		t.Errorf("restored entity id = %s", restored.EntityID)
	}
}

func TestEntityRegistryGenerateEntityID(t *testing.T) {
	r := newEntityRegistry(t)

	if _, err := r.GetOrCreate("light", "hue", "b1", EntityOptions{SuggestedObjectID: "lamp"}, nil); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	t.Run("appends suffix when taken", func(t *testing.T) {
		got := r.GenerateEntityID("light", "lamp", "", nil)
		if got != "light.lamp_2" {
			t.Errorf("GenerateEntityID() = %s, want light.lamp_2", got)
		}
	})

	t.Run("respects reserved ids", func(t *testing.T) {
		reserved := func(id core.EntityID) bool {
			return id == "light.lamp_2"
		}
		got := r.GenerateEntityID("light", "lamp", "", reserved)
		if got != "light.lamp_3" {
			t.Errorf("GenerateEntityID() = %s, want light.lamp_3", got)
		}
	})

	t.Run("keeps current id", func(t *testing.T) {
		got := r.GenerateEntityID("light", "lamp", "light.lamp", nil)
		if got != "light.lamp" {
			t.Errorf("GenerateEntityID() = %s, want light.lamp", got)
		}
	})
}

func TestEntityRegistryUpdate(t *testing.T) {
	r := newEntityRegistry(t)

	a, _ := r.GetOrCreate("light", "hue", "a", EntityOptions{SuggestedObjectID: "one"}, nil)
	b, _ := r.GetOrCreate("light", "hue", "b", EntityOptions{SuggestedObjectID: "two"}, nil)

	t.Run("renames entity id", func(t *testing.T) {
		newID := core.EntityID("light.renamed")
		row, err := r.Update(a.EntityID, EntityChanges{NewEntityID: &newID})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if row.EntityID != "light.renamed" {
			t.Errorf("EntityID = %s", row.EntityID)
		}
		if r.Get("light.one") != nil {
			t.Error("old entity id still resolves")
		}
		if r.Get("light.renamed") == nil {
			t.Error("new entity id does not resolve")
		}
	})

	t.Run("rejects rename collisions", func(t *testing.T) {
		taken := b.EntityID
		if _, err := r.Update("light.renamed", EntityChanges{NewEntityID: &taken}); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("Update() error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("unknown entity", func(t *testing.T) {
		name := "x"
		if _, err := r.Update("light.ghost", EntityChanges{Name: &name}); !errors.Is(err, ErrEntityNotFound) {
			t.Errorf("Update() error = %v, want ErrEntityNotFound", err)
		}
	})
}

func TestEntityRegistryCascades(t *testing.T) {
	r := newEntityRegistry(t)

	area := "area-1"
	if _, err := r.GetOrCreate("light", "hue", "c1", EntityOptions{
		SuggestedObjectID: "lamp_a", AreaID: area, ConfigEntryID: "ce-1",
	}, nil); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if _, err := r.GetOrCreate("light", "hue", "c2", EntityOptions{
		SuggestedObjectID: "lamp_b", AreaID: area,
	}, nil); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	changed := r.ClearAreaID(area)
	if len(changed) != 2 {
		t.Fatalf("ClearAreaID() changed %d rows, want 2", len(changed))
	}
	for _, row := range r.List() {
		if row.AreaID != "" {
			t.Errorf("row %s still has area", row.EntityID)
		}
	}

	detached := r.ClearConfigEntry("ce-1")
	if len(detached) != 1 {
		t.Fatalf("ClearConfigEntry() changed %d rows, want 1", len(detached))
	}
	if row := r.Get(detached[0]); row.ConfigEntryID != "" {
		t.Error("config entry still attached")
	}
}

func TestEntityRegistryPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	r1, err := NewEntityRegistry(store, nil, nil)
	if err != nil {
		t.Fatalf("NewEntityRegistry() error = %v", err)
	}
	first, _ := r1.GetOrCreate("light", "hue", "p1", EntityOptions{
		SuggestedObjectID: "porch", Name: "Porch Light",
	}, nil)
	second, _ := r1.GetOrCreate("sensor", "zwave", "p2", EntityOptions{
		SuggestedObjectID: "attic_temp",
	}, nil)
	if err := r1.Remove(second.EntityID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := r1.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	r2, err := NewEntityRegistry(store, nil, nil)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	rows := r2.List()
	if len(rows) != 1 {
		t.Fatalf("reloaded %d rows, want 1", len(rows))
	}
	got := rows[0]
	if got.ID != first.ID || got.EntityID != first.EntityID || got.Name != "Porch Light" {
		t.Errorf("reloaded row = %+v, want %+v", got, first)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) || !got.ModifiedAt.Equal(first.ModifiedAt) {
		t.Error("timestamps not preserved through round trip")
	}

	// The soft-deleted row survives the round trip too.
	restored, err := r2.GetOrCreate("sensor", "zwave", "p2", EntityOptions{
		SuggestedObjectID: "attic_temp",
	}, nil)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if restored.ID != second.ID {
		t.Errorf("restored id = %s, want %s", restored.ID, second.ID)
	}
	store.Close()
}
