package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/openmined/splitsync/internal/utils"
	"gopkg.in/yaml.v3"
)

var keyComments = map[string]string{
	"splits":              "splits to reconcile: train, valid, test",
	"direction":           "to-local, to-remote or both",
	"extensions":          "file extensions taken into account, empty accepts all",
	"exclude":             "doublestar globs matched against names inside a split",
	"ignore":              "extra gitignore style rules",
	"split_parallelism":   "splits reconciled at the same time",
	"timestamp_tolerance": "modification times closer than this are equal",
	"tie_break":           "store that wins when copies differ and nothing tells which is newer: skip, local, remote or project",
	"prune":               "delete files the authoritative side no longer has (single direction only)",
	"remote":              "type: sharepoint, s3 or empty to disable. rate limits client side calls, e.g. 10-S",
	"project":             "annotation project, disabled while project is empty",
	"history":             "run history, path defaults to <local.root>/.splitsync/history.db",
}

// Template renders the default configuration as commented YAML.
func Template() ([]byte, error) {
	var root yaml.Node
	if err := root.Encode(Default()); err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	root.HeadComment = "splitsync configuration\nsecrets may also come from SPLITSYNC_* environment variables, e.g. SPLITSYNC_REMOTE_SHAREPOINT_ACCESS_TOKEN"

	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		if c, ok := keyComments[key.Value]; ok {
			key.HeadComment = c
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTemplate writes the default configuration to path. An existing file is
// only replaced when force is set.
func WriteTemplate(path string, force bool) error {
	if utils.FileExists(path) && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	data, err := Template()
	if err != nil {
		return err
	}
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
