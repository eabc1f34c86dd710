package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/propsync/agent/internal/models"
)

// writeJournal rewrites the whole journal atomically: write a temp file,
// fsync it, then rename over the old journal. A crash mid-write leaves the
// previous journal intact.
func writeJournal(path string, requests []*models.QueuedRequest) error {
	data, err := json.Marshal(requests)
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}

// loadJournal reads a journal back. A missing file is an empty queue, not
// an error; a corrupt file is logged by the caller and treated as empty so
// a damaged journal cannot brick the agent.
func loadJournal(path string) ([]*models.QueuedRequest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var requests []*models.QueuedRequest
	if err := json.Unmarshal(data, &requests); err != nil {
		return nil, fmt.Errorf("decode journal %s: %w", filepath.Base(path), err)
	}
	return requests, nil
}
