package config

// SinkDef names one channel output destination: a sink type (as registered
// in internal/channel/sink.Registry) plus the construction params that
// type's Factory expects.
type SinkDef struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Params map[string]string `json:"params"`
}

// LoadSinkDefs decodes a sinks.json file. A missing file decodes to an
// empty slice, matching the other family loaders' tolerance for
// not-yet-configured deployments.
func LoadSinkDefs(path string) ([]SinkDef, error) {
	var defs []SinkDef
	if err := readJSONFile(path, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}
