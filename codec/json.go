package codec

import "encoding/json"

// JSON is the encoding/json codec. It is kept for reading files written
// with it and for callers that want no extra dependency on the hot path.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) Name() string                       { return "json" }

// Default is the codec for newly written log payloads and manifests.
var Default Codec = GoJSON{}
