package model

// Project is a construction project
type Project struct {
	LocalID     string   `json:"local_id,omitempty"`
	ServerID    *int64   `json:"server_id,omitempty"`
	Name        string   `json:"name" validate:"required"`
	Description *string  `json:"description,omitempty"`
	ProjectType string   `json:"project_type" validate:"required,oneof=residential commercial industrial infrastructure renovation"`
	Status      string   `json:"status" validate:"required,oneof=planning in_progress on_hold completed archived"`
	StartDate   int64    `json:"start_date" validate:"required"`
	EndDate     *int64   `json:"end_date,omitempty" validate:"omitempty,gtefield=StartDate"`
	Address     string   `json:"address"`
	Latitude    *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude   *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
	ClientName  *string  `json:"client_name,omitempty"`
	Budget      *float64 `json:"budget,omitempty" validate:"omitempty,gte=0"`
}

func (Project) EntityType() EntityType { return Projects }

// Inspection is a site inspection
type Inspection struct {
	LocalID        string   `json:"local_id,omitempty"`
	ServerID       *int64   `json:"server_id,omitempty"`
	ProjectID      string   `json:"project_id" validate:"required"`
	InspectionDate int64    `json:"inspection_date" validate:"required"`
	Location       string   `json:"location" validate:"required"`
	Result         string   `json:"result" validate:"required,oneof=passed failed with_remarks pending"`
	Notes          *string  `json:"notes,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude      *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
	InspectorID    int64    `json:"inspector_id"`
}

func (Inspection) EntityType() EntityType { return Inspections }

// Photo is an image attached to an inspection
type Photo struct {
	LocalID      string  `json:"local_id,omitempty"`
	ServerID     *int64  `json:"server_id,omitempty"`
	InspectionID string  `json:"inspection_id" validate:"required"`
	FilePath     string  `json:"file_path"`
	LocalURI     string  `json:"local_uri" validate:"required_without=FilePath"`
	Latitude     float64 `json:"latitude" validate:"latitude"`
	Longitude    float64 `json:"longitude" validate:"longitude"`
	Altitude     float64 `json:"altitude"`
	Accuracy     float64 `json:"accuracy" validate:"gte=0"`
	TakenAt      int64   `json:"taken_at" validate:"required"`
	HasDefects   bool    `json:"has_defects"`
	Analyzed     bool    `json:"analyzed"`
}

func (Photo) EntityType() EntityType { return Photos }

// DefectDetection is a defect found on a photo
type DefectDetection struct {
	LocalID     string  `json:"local_id,omitempty"`
	ServerID    *int64  `json:"server_id,omitempty"`
	PhotoID     string  `json:"photo_id" validate:"required"`
	DefectType  string  `json:"defect_type" validate:"required"`
	Severity    string  `json:"severity" validate:"required,oneof=critical major minor cosmetic"`
	Confidence  float64 `json:"confidence" validate:"gte=0,lte=1"`
	BBoxX       float64 `json:"bbox_x"`
	BBoxY       float64 `json:"bbox_y"`
	BBoxWidth   float64 `json:"bbox_width" validate:"gte=0"`
	BBoxHeight  float64 `json:"bbox_height" validate:"gte=0"`
	Description *string `json:"description,omitempty"`
	DetectedAt  int64   `json:"detected_at" validate:"required"`
}

func (DefectDetection) EntityType() EntityType { return DefectDetections }

// HiddenWork is a hidden-work record that must be signed off before it is covered
type HiddenWork struct {
	LocalID       string  `json:"local_id,omitempty"`
	ServerID      *int64  `json:"server_id,omitempty"`
	ProjectID     string  `json:"project_id" validate:"required"`
	WorkType      string  `json:"work_type" validate:"required"`
	Description   string  `json:"description" validate:"required"`
	Location      string  `json:"location" validate:"required"`
	Status        string  `json:"status" validate:"required,oneof=pending approved rejected revision_required"`
	ScheduledDate int64   `json:"scheduled_date" validate:"required"`
	CompletedDate *int64  `json:"completed_date,omitempty"`
	Notes         *string `json:"notes,omitempty"`
}

func (HiddenWork) EntityType() EntityType { return HiddenWorks }

// Document is a file attached to a project
type Document struct {
	LocalID      string  `json:"local_id,omitempty"`
	ServerID     *int64  `json:"server_id,omitempty"`
	ProjectID    string  `json:"project_id" validate:"required"`
	Title        string  `json:"title" validate:"required"`
	Description  *string `json:"description,omitempty"`
	DocumentType string  `json:"document_type" validate:"required"`
	FilePath     string  `json:"file_path"`
	LocalURI     string  `json:"local_uri" validate:"required_without=FilePath"`
	FileSize     int64   `json:"file_size" validate:"gte=0"`
	MimeType     string  `json:"mime_type"`
	UploadedAt   int64   `json:"uploaded_at"`
}

func (Document) EntityType() EntityType { return Documents }

// New returns an empty typed entity for the given table
func New(t EntityType) (Entity, error) {
	switch t {
	case Projects:
		return &Project{}, nil
	case Inspections:
		return &Inspection{}, nil
	case Photos:
		return &Photo{}, nil
	case DefectDetections:
		return &DefectDetection{}, nil
	case HiddenWorks:
		return &HiddenWork{}, nil
	case Documents:
		return &Document{}, nil
	}
	if _, err := Lookup(t); err != nil {
		return nil, err
	}
	return nil, ErrUnknownEntity
}
