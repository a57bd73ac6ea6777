package profile

import (
	"path/filepath"
	"testing"
)

const sampleCatalog = `patients:
  - id: patient_002
    name: William "Bill" O'Connor
    preferred_name: Bill
    age: 81
    favorite_songs:
      - title: Danny Boy
        artist: Traditional Irish
  - id: patient_003
    name: Dorothy Mae Johnson
    preferred_name: Dot
    age: 84
    voice_preference: warm_female
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", c.Len())
	}
	bill, ok := c.Get("patient_002")
	if !ok || bill.PreferredName != "Bill" || bill.FavoriteSongs[0].Title != "Danny Boy" {
		t.Fatalf("unexpected record %+v", bill)
	}
	list := c.List()
	if list[0].ID != "patient_002" || list[1].ID != "patient_003" {
		t.Fatalf("expected file order, got %v, %v", list[0].ID, list[1].ID)
	}
	if list[1].VoicePreference != VoiceWarmFemale {
		t.Fatalf("voice preference not parsed: %q", list[1].VoicePreference)
	}
}

func TestCatalogRejectsDuplicates(t *testing.T) {
	_, err := NewCatalog([]PatientRecord{{ID: "a", Name: "A"}, {ID: "a", Name: "B"}})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty catalog")
	}
	if _, ok := c.Get("patient_001"); ok {
		t.Fatal("empty catalog returned a record")
	}
}

func TestShippedCatalogBuildsProfiles(t *testing.T) {
	c, err := LoadCatalog(filepath.Join("..", "..", "profiles.yaml"))
	if err != nil {
		t.Fatalf("load shipped catalog: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 patients, got %d", c.Len())
	}
	for _, record := range c.List() {
		if _, err := BuildCallProfile(record, TrackingWindow{Days: 7}, Options{}); err != nil {
			t.Fatalf("%s: %v", record.ID, err)
		}
	}
}
