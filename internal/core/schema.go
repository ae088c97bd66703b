package core

// LogicalType is the declared type of a dataset key.
type LogicalType string

const (
	LogicalReal    LogicalType = "REAL"
	LogicalInteger LogicalType = "INTEGER"
	LogicalText    LogicalType = "TEXT"
	LogicalBoolean LogicalType = "BOOLEAN"
)

// BaseDtype is a canonical row-field storage type. Only byte-representable
// types are accepted; object, complex, and timezone-aware datetime types
// are rejected with SchemaMismatchError at the SchemaRegistry boundary.
type BaseDtype string

const (
	DtypeInt8    BaseDtype = "int8"
	DtypeInt16   BaseDtype = "int16"
	DtypeInt32   BaseDtype = "int32"
	DtypeInt64   BaseDtype = "int64"
	DtypeUint8   BaseDtype = "uint8"
	DtypeUint16  BaseDtype = "uint16"
	DtypeUint32  BaseDtype = "uint32"
	DtypeFloat32 BaseDtype = "float32"
	DtypeFloat64 BaseDtype = "float64"
	DtypeBool    BaseDtype = "bool"
	DtypeText    BaseDtype = "text"
)

// FieldDescr is one entry of the canonical dtype_descr. Author order (the
// order fields were first observed) is authoritative; it is never
// resorted.
type FieldDescr struct {
	Name    string    `json:"name"`
	Base    BaseDtype `json:"base"`
	Shape   []int     `json:"shape,omitempty"`
	TextMax int       `json:"textMax,omitempty"` // only meaningful when Base == DtypeText
}

// JaggedSpec describes one field whose shape varies per row.
type JaggedSpec struct {
	VaryDims []int `json:"varyDims"`
	// CanonicalMax is the maximum observed extent along each dim in
	// VaryDims, in the same order. It only ever grows.
	CanonicalMax []int `json:"canonicalMax"`
}

// MetaColumnKind is the shape of the per-row metadata jagged fields carry
// alongside the padded payload.
type MetaColumnKind string

const (
	MetaLen   MetaColumnKind = "len"   // single vary_dim: <field>_len
	MetaShape MetaColumnKind = "shape" // multiple vary_dims: <field>_shape
)

// PartConfig fixes one dataset's part-sealing policy: target row count and
// compression.
type PartConfig struct {
	PartRows         int    `json:"partRows"`
	Compression      string `json:"compression"`
	CompressionLevel int    `json:"compressionLevel,omitempty"`
}

// EncryptionPolicy is the metadata seam fixed now and wired later.
type EncryptionPolicy struct {
	Mode              string `json:"mode"` // "none" today
	RequireEncryption bool   `json:"requireEncryption"`
	KeyRotationDays   int    `json:"keyRotationDays,omitempty"`
}

// SchemaDocument is a dataset's immutable (modulo widening) JSON schema.
type SchemaDocument struct {
	KeyOrder     []string               `json:"keyOrder"`
	KeySchema    map[string]LogicalType `json:"keySchema"`
	DtypeDescr   []FieldDescr           `json:"dtypeDescr"`
	PartConfig   PartConfig             `json:"partConfig"`
	Quantization map[string]float64     `json:"quantization"`
	Jagged       map[string]JaggedSpec  `json:"jagged"`
	Encryption   EncryptionPolicy       `json:"encryption"`

	// AllowShapeGrowth: by default a jagged field observed larger than its
	// locked canonical shape fails with DataExceedsCanonError. Setting this
	// permits canonical shape to grow further (never shrink) after lock,
	// the same way text widths widen.
	AllowShapeGrowth bool `json:"allowShapeGrowth,omitempty"`

	// Locked is true once the first batch's dtype has been committed.
	// Only text-field widening and (if AllowShapeGrowth) jagged maxima
	// growth are permitted mutations after this point.
	Locked bool `json:"locked"`
}

// StorageScheme is the serialized layout policy for part files.
type StorageScheme struct {
	Version int    `json:"version"`
	Hash    string `json:"hash"` // e.g. "sha256"; recorded only — partstore.RelPath shards with sha256 whatever this names
	Depth   int    `json:"depth"`
	Seglen  int    `json:"seglen"`
}

// Dataset is the top-level catalog entity: a UUID, alias, root directory,
// and immutable-modulo-widening schema.
type Dataset struct {
	UUID     string
	Alias    string
	Root     string
	Schema   SchemaDocument
	Scheme   StorageScheme
	CreatedAtEpoch int64
}

// SpecialsCode classifies a REAL value by its IEEE-754 bit pattern.
type SpecialsCode int

const (
	SpecialsNormal SpecialsCode = 0
	SpecialsNaN    SpecialsCode = 1
	SpecialsPosInf SpecialsCode = 2
	SpecialsNegInf SpecialsCode = 3
)

// Subset identifies a group of rows sharing one key-tuple identity.
type Subset struct {
	SubsetUUID         string
	DatasetUUID        string
	IdentityColumns    map[string]any // raw key values, keyed by key name
	CreatedAtEpoch     int64
	MarkedForDeletion  bool
	TotalRows          int64
}

// PartStats is the free-form per-part statistics block, persisted as JSON.
type PartStats struct {
	MinByField map[string]float64 `json:"minByField,omitempty"`
	MaxByField map[string]float64 `json:"maxByField,omitempty"`
	NullCounts map[string]int64   `json:"nullCounts,omitempty"`
}

// EncryptionMeta is always present on a Part row; EncVersion == 0 means the
// bytes on disk are the plaintext payload and Nonce/Tag are unused.
type EncryptionMeta struct {
	EncVersion    int    `json:"encVersion"`
	KeyRef        string `json:"keyRef,omitempty"`
	Nonce         []byte `json:"nonce,omitempty"`
	Tag           []byte `json:"tag,omitempty"`
	PlaintextSize int64  `json:"plaintextSize"`
}

// Part is an immutable sealed file and its catalog row.
type Part struct {
	PartUUID      string
	SubsetUUID    string
	NRows         int64
	SchemeVersion int
	FileRelPath   string
	ContentHash   string
	ProducerID    string
	BatchID       string
	Stats         PartStats
	Encryption    EncryptionMeta
	CreatedAtEpoch int64
	Live          bool
}

// Batch is the set of parts produced atomically by one writer commit.
type Batch struct {
	BID               string
	SchemaFingerprint string
	CreatedAtEpoch    int64
	ProducerID        string
	PrevHash          string
	EntryHash         string
	PartUUIDs         []string
}
