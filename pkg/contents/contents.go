package contents

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	untitledBase = "Untitled"
	notebookExt  = ".ipynb"
	// maxUntitled bounds the search for a free Untitled name.
	maxUntitled = 10000
)

// Model describes a created document. Path is relative to the root and
// always uses forward slashes.
type Model struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Type    string    `json:"type"`
	Created time.Time `json:"created"`
}

type kernelSpec struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type notebook struct {
	Cells         []interface{}          `json:"cells"`
	Metadata      map[string]interface{} `json:"metadata"`
	NBFormat      int                    `json:"nbformat"`
	NBFormatMinor int                    `json:"nbformat_minor"`
}

// Manager creates notebook documents below a root directory.
type Manager struct {
	root string
}

func NewManager(root string) (*Manager, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Manager{root: abs}, nil
}

func (m *Manager) Root() string {
	return m.root
}

// NewUntitled writes an empty notebook named Untitled.ipynb, Untitled1.ipynb
// and so on, using the first free name in dir. kernelName, when not empty,
// is recorded as the notebook's kernelspec.
func (m *Manager) NewUntitled(dir, kernelName string) (Model, error) {
	// cleaning against "/" keeps parent references inside the root
	rel := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(dir)), "/")
	absDir := filepath.Join(m.root, filepath.FromSlash(rel))
	info, err := os.Stat(absDir)
	if err != nil {
		return Model{}, errors.Wrapf(err, "notebook directory %s", rel)
	}
	if !info.IsDir() {
		return Model{}, errors.Errorf("%s is not a directory", rel)
	}
	data, err := json.MarshalIndent(newNotebook(kernelName), "", " ")
	if err != nil {
		return Model{}, err
	}
	for i := 0; i < maxUntitled; i++ {
		name := untitledBase + notebookExt
		if i > 0 {
			name = fmt.Sprintf("%s%d%s", untitledBase, i, notebookExt)
		}
		f, err := os.OpenFile(filepath.Join(absDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return Model{}, errors.Wrapf(err, "creating %s", name)
		}
		_, werr := f.Write(append(data, '\n'))
		cerr := f.Close()
		if werr == nil {
			werr = cerr
		}
		if werr != nil {
			os.Remove(f.Name())
			return Model{}, errors.Wrapf(werr, "writing %s", name)
		}
		model := Model{
			Name:    name,
			Path:    path.Join(rel, name),
			Type:    "notebook",
			Created: time.Now().UTC(),
		}
		log.Info().Msgf("Created notebook %s", model.Path)
		return model, nil
	}
	return Model{}, errors.Errorf("no free untitled notebook name in %s", rel)
}

// Delete removes a document created by NewUntitled.
func (m *Manager) Delete(p string) error {
	abs := filepath.Join(m.root, filepath.FromSlash(path.Clean("/"+p)))
	return os.Remove(abs)
}

func newNotebook(kernelName string) notebook {
	nb := notebook{
		Cells:         []interface{}{},
		Metadata:      map[string]interface{}{},
		NBFormat:      4,
		NBFormatMinor: 5,
	}
	if kernelName != "" {
		nb.Metadata["kernelspec"] = kernelSpec{Name: kernelName, DisplayName: kernelName}
	}
	return nb
}
