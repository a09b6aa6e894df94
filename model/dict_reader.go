package model

// DictReader reads typed entries out of a status dictionary, remembering
// the first conversion error and which keys were consumed. Models use it in
// SetStatus so that misspelt parameters are reported instead of ignored.
type DictReader struct {
	d    Dict
	used map[string]bool
	err  error
}

func NewDictReader(d Dict) *DictReader {
	return &DictReader{d: d, used: make(map[string]bool, len(d))}
}

func (r *DictReader) take(key string) (Value, bool) {
	v, ok := r.d[key]
	if ok {
		r.used[key] = true
	}
	return v, ok && r.err == nil
}

func (r *DictReader) fail(key string, err error) {
	if r.err == nil {
		r.err = Wrap(KindDictError, err, "key %q", key)
	}
}

// Float stores key into dst when present.
func (r *DictReader) Float(key string, dst *float64) bool {
	v, ok := r.take(key)
	if !ok {
		return false
	}
	f, err := v.AsFloat()
	if err != nil {
		r.fail(key, err)
		return false
	}
	*dst = f
	return true
}

// Int stores key into dst when present.
func (r *DictReader) Int(key string, dst *int64) bool {
	v, ok := r.take(key)
	if !ok {
		return false
	}
	i, err := v.AsInt()
	if err != nil {
		r.fail(key, err)
		return false
	}
	*dst = i
	return true
}

// Bool stores key into dst when present.
func (r *DictReader) Bool(key string, dst *bool) bool {
	v, ok := r.take(key)
	if !ok {
		return false
	}
	b, err := v.AsBool()
	if err != nil {
		r.fail(key, err)
		return false
	}
	*dst = b
	return true
}

// String stores key into dst when present.
func (r *DictReader) String(key string, dst *string) bool {
	v, ok := r.take(key)
	if !ok {
		return false
	}
	s, err := v.AsString()
	if err != nil {
		r.fail(key, err)
		return false
	}
	*dst = s
	return true
}

// Floats stores key into dst when present.
func (r *DictReader) Floats(key string, dst *[]float64) bool {
	v, ok := r.take(key)
	if !ok {
		return false
	}
	fs, err := v.AsFloats()
	if err != nil {
		r.fail(key, err)
		return false
	}
	*dst = fs
	return true
}

// Ignore marks keys as consumed without reading them.
func (r *DictReader) Ignore(keys ...string) {
	for _, k := range keys {
		if _, ok := r.d[k]; ok {
			r.used[k] = true
		}
	}
}

// Unaccessed returns the keys no reader call touched, sorted.
func (r *DictReader) Unaccessed() []string {
	var out []string
	for _, k := range r.d.Keys() {
		if !r.used[k] {
			out = append(out, k)
		}
	}
	return out
}

// Err reports the first conversion error, then any unaccessed key.
func (r *DictReader) Err() error {
	if r.err != nil {
		return r.err
	}
	if rest := r.Unaccessed(); len(rest) > 0 {
		return Errorf(KindDictError, "unaccessed dictionary entries: %v", rest)
	}
	return nil
}
