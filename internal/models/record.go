package models

import "fmt"

// Record is a schemaless SyncModel used for types declared in configuration.
type Record struct {
	BaseModel
	Type   string
	Path   string
	Fields map[string]interface{}
}

// NewRecord creates a pending record with an empty remote id.
func NewRecord(modelType, endpoint string, fields map[string]interface{}) *Record {
	r := &Record{
		BaseModel: NewBaseModel(""),
		Type:      modelType,
		Path:      endpoint,
		Fields:    make(map[string]interface{}, len(fields)),
	}
	for k, v := range fields {
		r.Fields[k] = v
	}
	return r
}

func (r *Record) ModelType() string { return r.Type }
func (r *Record) Endpoint() string  { return r.Path }

// Set updates a field and records it as changed.
func (r *Record) Set(field string, value interface{}) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{})
	}
	r.Fields[field] = value
	r.SetField(field, value)
}

// ToJSON serializes the record, including its remote id when known.
func (r *Record) ToJSON() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v
	}
	if r.ID() != "" {
		out["id"] = r.ID()
	}
	return out
}

// Clone returns a deep copy of the record. Field values are copied shallowly.
func (r *Record) Clone() SyncModel {
	out := &Record{
		BaseModel: r.CloneBase(),
		Type:      r.Type,
		Path:      r.Path,
		Fields:    make(map[string]interface{}, len(r.Fields)),
	}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}

// RecordFactory returns a Factory producing Records of modelType.
func RecordFactory(modelType, endpoint string) Factory {
	return func(data map[string]interface{}) (SyncModel, error) {
		if data == nil {
			return nil, fmt.Errorf("%s: nil payload", modelType)
		}
		r := &Record{
			BaseModel: NewBaseModel(""),
			Type:      modelType,
			Path:      endpoint,
			Fields:    make(map[string]interface{}, len(data)),
		}
		r.DecodeBase(data)
		for k, v := range data {
			if k == "id" {
				continue
			}
			r.Fields[k] = v
		}
		return r, nil
	}
}
