package repository

import "log/slog"

// Repositories bundles every repository over one DB.
type Repositories struct {
	DB          *DB
	Projects    ProjectRepository
	Files       FileRepository
	Versions    FileVersionRepository
	Tables      FileTableRepository
	Jobs        AnnotationJobRepository
	Assignments AssignmentRepository
	Reviews     ReviewRepository
	Drafts      DraftRepository
	Exports     ExportRepository
	Events      EventRepository
}

func NewRepositories(db *DB, logger *slog.Logger) *Repositories {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repositories{
		DB:          db,
		Projects:    NewProjectRepository(db, logger),
		Files:       NewFileRepository(db, logger),
		Versions:    NewFileVersionRepository(db, logger),
		Tables:      NewFileTableRepository(db, logger),
		Jobs:        NewAnnotationJobRepository(db, logger),
		Assignments: NewAssignmentRepository(db, logger),
		Reviews:     NewReviewRepository(db, logger),
		Drafts:      NewDraftRepository(db, logger),
		Exports:     NewExportRepository(db, logger),
		Events:      NewEventRepository(db, logger),
	}
}
