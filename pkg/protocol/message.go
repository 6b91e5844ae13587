package protocol

// Operations consumed by the worker.
const (
	OpComputeStream = "compute-stream"
	OpComputeTask   = "compute-task"
	OpReleaseTask   = "release-task"
	OpDeleteData    = "delete_data"
	OpStreamDelete  = "delete-data"
	OpGetData       = "get_data"
	OpGather        = "gather"
	OpTerminate     = "terminate"
	OpKeys          = "keys"
	OpClose         = "close"
)

// Operations produced by the worker.
const (
	OpRegister     = "register"
	OpTaskFinished = "task-finished"
	OpTaskErred    = "task-erred"
	OpAddKeys      = "add-keys"
	OpRemoveKeys   = "remove-keys"
	OpRelease      = "release"
	OpWhoHas       = "who_has"
)

// A phase timing entry attached to published task states.
type Startstop struct {
	Phase string  `msgpack:"phase"`
	Start float64 `msgpack:"start"`
	Stop  float64 `msgpack:"stop"`
}

type RegisterMsg struct {
	Op        string           `msgpack:"op"`
	Address   string           `msgpack:"address"`
	Ncores    int              `msgpack:"ncores"`
	Keys      []string         `msgpack:"keys"`
	Nbytes    map[string]int64 `msgpack:"nbytes"`
	Now       float64          `msgpack:"now"`
	Executing int              `msgpack:"executing"`
	InMemory  int              `msgpack:"in_memory"`
	Ready     int              `msgpack:"ready"`
	InFlight  int              `msgpack:"in_flight"`
	HostID    string           `msgpack:"host_id,omitempty"`
}

type TaskFinishedMsg struct {
	Op         string      `msgpack:"op"`
	Status     string      `msgpack:"status"`
	Key        string      `msgpack:"key"`
	Nbytes     int64       `msgpack:"nbytes"`
	Type       string      `msgpack:"type"`
	Startstops []Startstop `msgpack:"startstops,omitempty"`
}

type TaskErredMsg struct {
	Op         string      `msgpack:"op"`
	Status     string      `msgpack:"status"`
	Key        string      `msgpack:"key"`
	Exception  string      `msgpack:"exception"`
	Traceback  string      `msgpack:"traceback"`
	Startstops []Startstop `msgpack:"startstops,omitempty"`
}

type AddKeysMsg struct {
	Op   string   `msgpack:"op"`
	Keys []string `msgpack:"keys"`
}

type RemoveKeysMsg struct {
	Op      string   `msgpack:"op"`
	Address string   `msgpack:"address"`
	Keys    []string `msgpack:"keys"`
}

type ReleaseMsg struct {
	Op    string `msgpack:"op"`
	Key   string `msgpack:"key"`
	Cause string `msgpack:"cause,omitempty"`
}

type WhoHasMsg struct {
	Op    string   `msgpack:"op"`
	Keys  []string `msgpack:"keys"`
	Reply bool     `msgpack:"reply"`
}

type GetDataMsg struct {
	Op    string   `msgpack:"op"`
	Keys  []string `msgpack:"keys"`
	Who   string   `msgpack:"who,omitempty"`
	Reply bool     `msgpack:"reply"`
}

// An incoming wire message. Keys are the op's field names.
type Message map[string]any

// Returns the message op, or an empty string.
func (m Message) Op() string {
	return m.String("op")
}

func (m Message) Has(field string) bool {
	_, ok := m[field]
	return ok
}

func (m Message) String(field string) string {
	switch v := m[field].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func (m Message) Bool(field string) bool {
	if v, ok := m[field].(bool); ok {
		return v
	}
	// Some peers stringify booleans.
	return m.String(field) == "true"
}

func (m Message) Int64(field string) int64 {
	return toInt64(m[field])
}

func (m Message) Float64(field string) float64 {
	switch v := m[field].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	}
	return float64(toInt64(m[field]))
}

func (m Message) Bytes(field string) []byte {
	switch v := m[field].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func (m Message) Strings(field string) []string {
	items, ok := m[field].([]any)
	if !ok {
		return nil
	}
	strs := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			strs = append(strs, v)
		case []byte:
			strs = append(strs, string(v))
		}
	}
	return strs
}

func (m Message) Ints(field string) []int {
	items, ok := m[field].([]any)
	if !ok {
		return nil
	}
	ints := make([]int, 0, len(items))
	for _, item := range items {
		ints = append(ints, int(toInt64(item)))
	}
	return ints
}

func (m Message) Map(field string) Message {
	if v, ok := m[field].(map[string]any); ok {
		return Message(v)
	}
	return nil
}

// Decodes a field of peer lists, {key: [address, ...]}.
func (m Message) StringsMap(field string) map[string][]string {
	sub := m.Map(field)
	if sub == nil {
		return nil
	}
	out := make(map[string][]string, len(sub))
	for k := range sub {
		out[k] = sub.Strings(k)
	}
	return out
}

// Decodes a field of sizes, {key: nbytes}.
func (m Message) Int64Map(field string) map[string]int64 {
	sub := m.Map(field)
	if sub == nil {
		return nil
	}
	out := make(map[string]int64, len(sub))
	for k, v := range sub {
		out[k] = toInt64(v)
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
