package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDataset(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.jsonl")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

func TestLoadJSONL(t *testing.T) {
	path := writeDataset(t, `{"item_id":"q1","prompt":"What is 2+2?","expected_answer":"4","keywords":["4"],"tags":{"domain":"math"}}

{"item_id":"q2","prompt":"Emit JSON","output_schema":{"type":"object","required":["name"]}}
`)
	items, err := LoadJSONL(path)
	if err != nil {
		t.Fatalf("LoadJSONL failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ItemID != "q1" || items[0].ExpectedAnswer != "4" {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
	if items[0].Tags["domain"] != "math" {
		t.Fatalf("tags not decoded: %+v", items[0].Tags)
	}
	if len(items[1].OutputSchema) == 0 {
		t.Fatal("output_schema not preserved as raw JSON")
	}
}

func TestLoadJSONLRejectsEmptyAndBroken(t *testing.T) {
	empty := writeDataset(t, "\n\n")
	if _, err := LoadJSONL(empty); err == nil {
		t.Fatal("expected error for dataset with no rows")
	}

	broken := writeDataset(t, `{"item_id":"q1","prompt":"ok"}
{not json}
`)
	if _, err := LoadJSONL(broken); err == nil {
		t.Fatal("expected error for unparsable line")
	}

	missing := writeDataset(t, `{"prompt":"no id"}`)
	if _, err := LoadJSONL(missing); err == nil {
		t.Fatal("expected error for missing item_id")
	}
}

func TestBuildRecordChecksumsFile(t *testing.T) {
	path := writeDataset(t, `{"item_id":"q1","prompt":"ok"}`)
	items, err := LoadJSONL(path)
	if err != nil {
		t.Fatalf("LoadJSONL failed: %v", err)
	}
	record, err := BuildRecord("qa", "v1", path, items)
	if err != nil {
		t.Fatalf("BuildRecord failed: %v", err)
	}
	if record.ItemCount != 1 || record.DatasetName != "qa" || record.Version != "v1" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if len(record.Checksum) != 64 {
		t.Fatalf("expected sha256 hex checksum, got %q", record.Checksum)
	}

	again, err := BuildRecord("qa", "v1", path, items)
	if err != nil {
		t.Fatalf("BuildRecord failed: %v", err)
	}
	if again.Checksum != record.Checksum {
		t.Fatal("checksum not stable for identical content")
	}
}
