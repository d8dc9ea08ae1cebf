package vclock

import "encoding/json"

func marshalMap(m map[string]uint64) ([]byte, error) {
	if m == nil {
		m = map[string]uint64{}
	}
	return json.Marshal(m)
}

func unmarshalMap(data []byte) (map[string]uint64, error) {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]uint64{}
	}
	return m, nil
}
