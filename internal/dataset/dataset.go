// Package dataset loads JSONL evaluation datasets and builds their registry
// records.
package dataset

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"llmeval/internal/domain"
)

// ChecksumFile returns the sha256 hex digest of the file contents.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open dataset file: %w", err)
	}
	defer f.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", fmt.Errorf("checksum dataset file: %w", err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// LoadJSONL reads one DatasetItem per non-blank line. A dataset with no valid
// rows is an error; an unparsable line aborts the load with its line number.
func LoadJSONL(path string) ([]domain.DatasetItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset file: %w", err)
	}
	defer f.Close()

	var items []domain.DatasetItem
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var item domain.DatasetItem
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("dataset %s line %d: %w", path, lineNo, err)
		}
		if item.ItemID == "" {
			return nil, fmt.Errorf("dataset %s line %d: missing item_id", path, lineNo)
		}
		if item.Prompt == "" {
			return nil, fmt.Errorf("dataset %s line %d: missing prompt", path, lineNo)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("dataset %s has no valid rows", path)
	}
	return items, nil
}

// BuildRecord checksums the file and returns the registry record for it.
func BuildRecord(datasetName, version, path string, items []domain.DatasetItem) (domain.DatasetRecord, error) {
	checksum, err := ChecksumFile(path)
	if err != nil {
		return domain.DatasetRecord{}, err
	}
	return domain.DatasetRecord{
		DatasetName: datasetName,
		Version:     version,
		Path:        path,
		Checksum:    checksum,
		ItemCount:   len(items),
		CreatedAt:   time.Now().UTC(),
	}, nil
}
