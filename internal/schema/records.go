package schema

import "time"

// CompanyRecord is a tenant organisation. Local only.
type CompanyRecord struct {
	Meta
	Name     string `json:"name" validate:"required"`
	TaxID    string `json:"taxId,omitempty"`
	Archived bool   `json:"archived,omitempty"`
}

func (*CompanyRecord) Collection() Collection { return Company }

// UserRecord is an inspector account. Local only.
type UserRecord struct {
	Meta
	CompanyID string `json:"companyId" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Role      string `json:"role,omitempty" validate:"omitempty,oneof=admin inspector viewer"`
}

func (*UserRecord) Collection() Collection { return User }

// ProjectRecord groups the locations and anchor points of one job.
type ProjectRecord struct {
	Meta
	CompanyID string `json:"companyId" validate:"required"`
	Name      string `json:"name" validate:"required,max=200"`
	Address   string `json:"address,omitempty"`
	Archived  bool   `json:"archived,omitempty"`
}

func (*ProjectRecord) Collection() Collection { return Project }
func (*ProjectRecord) syncable()              {}

// LocationRecord is an area inside a project (a roof, a facade).
type LocationRecord struct {
	Meta
	ProjectID string `json:"projectId" validate:"required"`
	Name      string `json:"name" validate:"required,max=200"`
	Archived  bool   `json:"archived,omitempty"`
}

func (*LocationRecord) Collection() Collection { return Location }
func (*LocationRecord) syncable()              {}

// AnchorPointRecord is a physical anchor point installed in a project.
// Number is unique per project on the server.
type AnchorPointRecord struct {
	Meta
	ProjectID  string  `json:"projectId" validate:"required"`
	LocationID string  `json:"locationId,omitempty"`
	Number     string  `json:"numeroPonto" validate:"required,max=50"`
	Kind       string  `json:"kind,omitempty"`
	Latitude   float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude  float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
	PhotoID    string  `json:"photoId,omitempty"`
	Archived   bool    `json:"archived,omitempty"`
}

func (*AnchorPointRecord) Collection() Collection { return AnchorPoint }
func (*AnchorPointRecord) syncable()              {}

// AnchorTestRecord is a load test performed on an anchor point.
type AnchorTestRecord struct {
	Meta
	PointID     string    `json:"pointId" validate:"required"`
	Result      string    `json:"result" validate:"required,oneof=approved rejected"`
	LoadKN      float64   `json:"loadKn,omitempty" validate:"gte=0"`
	TestedAt    time.Time `json:"testedAt"`
	InspectorID string    `json:"inspectorId,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	PhotoID     string    `json:"photoId,omitempty"`
}

func (*AnchorTestRecord) Collection() Collection { return AnchorTest }
func (*AnchorTestRecord) syncable()              {}

// FileBlobRecord tracks a locally captured file (usually a photo) and
// whether it has been uploaded. Local only; uploads use a separate path.
type FileBlobRecord struct {
	Meta
	Name     string `json:"name" validate:"required"`
	Path     string `json:"path" validate:"required"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size"`
	Uploaded bool   `json:"uploaded"`
}

func (*FileBlobRecord) Collection() Collection { return FileBlob }
