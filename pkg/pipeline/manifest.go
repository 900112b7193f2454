package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"massmap/internal/models"
)

// Manifest lists the product files of one run so that downstream tools can
// combine patches without scanning the output directory
type Manifest struct {
	mu sync.Mutex

	// RunID identifies the run that wrote the products
	RunID string `json:"runId"`

	// Created is the manifest creation time
	Created time.Time `json:"created"`

	// Files maps a product kind (noisy, denoised, snr) to its file names
	Files map[string][]string `json:"files"`

	// Peaks holds the peak list of each patch, keyed by patch name
	Peaks map[string][]models.Peak `json:"peaks,omitempty"`
}

// NewManifest creates an empty manifest with a fresh run id
func NewManifest() *Manifest {
	return &Manifest{
		RunID:   uuid.NewString(),
		Created: time.Now().UTC(),
		Files:   make(map[string][]string),
	}
}

// Add records a product file under kind
func (m *Manifest) Add(kind, filename string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files[kind] = append(m.Files[kind], filename)
}

// AddPeaks records the peak list of a patch
func (m *Manifest) AddPeaks(name string, peaks []models.Peak) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Peaks == nil {
		m.Peaks = make(map[string][]models.Peak)
	}
	m.Peaks[name] = peaks
}

// Kinds returns the recorded product kinds in sorted order
func (m *Manifest) Kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.Files))
	for k := range m.Files {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Write saves the manifest as indented JSON
func (m *Manifest) Write(path string) error {
	m.mu.Lock()
	data, err := json.MarshalIndent(m, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by Write
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	if _, err := uuid.Parse(m.RunID); err != nil {
		return nil, fmt.Errorf("error parsing manifest: bad run id %q: %w", m.RunID, err)
	}
	if m.Files == nil {
		m.Files = make(map[string][]string)
	}
	return m, nil
}
