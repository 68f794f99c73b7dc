// Package identity derives the deterministic run key and fingerprints that
// make evaluation runs reproducible and comparable across time.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// runKeyLen is the hex-prefix length kept for run keys. Full digests are kept
// for fingerprints.
const runKeyLen = 16

// platformVersion participates in the experiment signature so that a change in
// signature semantics invalidates old signatures.
const platformVersion = "1"

// Fingerprints captures one digest per identity axis plus the combined
// experiment signature.
type Fingerprints struct {
	Dataset             string `json:"dataset_fingerprint"`
	Prompt              string `json:"prompt_fingerprint"`
	Config              string `json:"config_fingerprint"`
	ExperimentSignature string `json:"experiment_signature"`
}

// StableHash serializes the payload to RFC 8785 canonical JSON and returns the
// sha256 hex digest. Key order in the input never affects the result.
func StableHash(payload map[string]any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode hash payload: %w", err)
	}
	canonical, err := jcs.Transform(encoded)
	if err != nil {
		return "", fmt.Errorf("canonicalize hash payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// BuildRunKey hashes the fields that define run identity. Identical inputs
// always produce the identical key.
func BuildRunKey(datasetName, datasetVersion, promptVersion, modelName string, retrievalEnabled, judgeEnabled bool, seed int) (string, error) {
	digest, err := StableHash(map[string]any{
		"dataset_name":      datasetName,
		"dataset_version":   datasetVersion,
		"prompt_version":    promptVersion,
		"model_name":        modelName,
		"retrieval_enabled": retrievalEnabled,
		"llm_judge_enabled": judgeEnabled,
		"seed":              seed,
	})
	if err != nil {
		return "", err
	}
	return digest[:runKeyLen], nil
}

// BuildFingerprints computes the dataset, prompt and config fingerprints and
// chains them into the experiment signature. Any single-field change flips the
// corresponding fingerprint; the signature detects any combination change.
func BuildFingerprints(
	datasetName, datasetVersion, datasetChecksum string,
	promptVersion, promptTemplate string,
	modelName string,
	retrievalEnabled, judgeEnabled bool,
	judgeModel string,
	temperature float64,
	seed int,
) (Fingerprints, error) {
	datasetFP, err := StableHash(map[string]any{
		"dataset_name":     datasetName,
		"dataset_version":  datasetVersion,
		"dataset_checksum": datasetChecksum,
	})
	if err != nil {
		return Fingerprints{}, err
	}
	promptFP, err := StableHash(map[string]any{
		"prompt_version":  promptVersion,
		"prompt_template": promptTemplate,
	})
	if err != nil {
		return Fingerprints{}, err
	}

	// Temperature is serialized with fixed precision so the digest does not
	// depend on float formatting.
	var judge any
	if judgeModel != "" {
		judge = judgeModel
	}
	configFP, err := StableHash(map[string]any{
		"model_name":          modelName,
		"retrieval_enabled":   retrievalEnabled,
		"llm_judge_enabled":   judgeEnabled,
		"llm_judge_model":     judge,
		"temperature":         fmt.Sprintf("%.6f", temperature),
		"seed":                seed,
		"prompt_fingerprint":  promptFP,
		"dataset_fingerprint": datasetFP,
	})
	if err != nil {
		return Fingerprints{}, err
	}
	signature, err := StableHash(map[string]any{
		"dataset_fingerprint": datasetFP,
		"prompt_fingerprint":  promptFP,
		"config_fingerprint":  configFP,
		"platform_version":    platformVersion,
	})
	if err != nil {
		return Fingerprints{}, err
	}
	return Fingerprints{
		Dataset:             datasetFP,
		Prompt:              promptFP,
		Config:              configFP,
		ExperimentSignature: signature,
	}, nil
}
