package registry

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kfsoftware/kernelbridge/pkg/db"
	"github.com/kfsoftware/kernelbridge/pkg/kernel"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SessionRequest struct {
	Path      string
	Name      string
	Type      db.SessionType
	Kernel    kernel.Model
	Info      *kernel.KernelInfoReply
	Server    string
	Transport string
}

type SessionModel struct {
	ID     string          `json:"id"`
	Path   string          `json:"path"`
	Name   string          `json:"name"`
	Type   db.SessionType  `json:"type"`
	Kernel json.RawMessage `json:"kernel"`
}

// SessionStore persists notebook sessions.
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(dbClient *gorm.DB) *SessionStore {
	return &SessionStore{db: dbClient}
}

func (s *SessionStore) Create(req SessionRequest) (*SessionModel, error) {
	kernelJSON, err := json.Marshal(req.Kernel)
	if err != nil {
		return nil, err
	}
	var infoJSON datatypes.JSON
	if req.Info != nil {
		infoJSON, err = json.Marshal(req.Info)
		if err != nil {
			return nil, err
		}
	}
	if req.Type == "" {
		req.Type = db.NotebookSession
	}
	session := &db.Session{
		ID:         uuid.New().String(),
		Path:       req.Path,
		Name:       req.Name,
		Type:       req.Type,
		KernelID:   req.Kernel.ID,
		KernelName: req.Kernel.Name,
		Server:     req.Server,
		Transport:  req.Transport,
		Kernel:     datatypes.JSON(kernelJSON),
		KernelInfo: infoJSON,
	}
	result := s.db.Create(session)
	if result.Error != nil {
		return nil, result.Error
	}
	return toModel(session), nil
}

func (s *SessionStore) List() ([]*SessionModel, error) {
	var sessions []db.Session
	if err := s.db.Order("created_at").Find(&sessions).Error; err != nil {
		return nil, err
	}
	models := make([]*SessionModel, 0, len(sessions))
	for i := range sessions {
		models = append(models, toModel(&sessions[i]))
	}
	return models, nil
}

// DeleteByKernel removes the sessions bound to a kernel id.
func (s *SessionStore) DeleteByKernel(kernelID string) error {
	return s.db.Where("kernel_id = ?", kernelID).Delete(&db.Session{}).Error
}

// DeleteAll removes every session. Kernels are never registered across
// restarts, so rows left by a previous run have no kernel.
func (s *SessionStore) DeleteAll() (int64, error) {
	result := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&db.Session{})
	return result.RowsAffected, result.Error
}

func toModel(s *db.Session) *SessionModel {
	return &SessionModel{
		ID:     s.ID,
		Path:   s.Path,
		Name:   s.Name,
		Type:   s.Type,
		Kernel: json.RawMessage(s.Kernel),
	}
}
