package db

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SessionType string

const NotebookSession SessionType = "notebook"

// Session links a notebook path to an attached kernel. Kernel holds the
// kernel model at creation time and KernelInfo the handshake reply.
type Session struct {
	ID         string `gorm:"primaryKey"`
	Path       string `gorm:"index"`
	Name       string
	Type       SessionType
	KernelID   string `gorm:"index"`
	KernelName string
	Server     string
	Transport  string
	Kernel     datatypes.JSON
	KernelInfo datatypes.JSON
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}
