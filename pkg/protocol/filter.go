package protocol

// Filter is one stage of a pipeline: it transforms bytes as they pass
// through, and may accumulate a typed Value readable once the stream
// backing it has closed (e.g. a digest, a byte count). Filters with no
// result (sink) return Null from Result.
type Filter interface {
	// Identifier is the wire name this filter was constructed from, e.g.
	// "gzipCompress".
	Identifier() string

	// Process transforms one chunk of input, returning the bytes to pass
	// to the next stage. Implementations that buffer internally (e.g. a
	// compressor) may return less than they were given and catch up on a
	// later call or on Close.
	Process(in []byte) ([]byte, error)

	// Close flushes any buffered state, returning trailing bytes (if any)
	// still owed to the next stage, and finalizes the result. Called
	// exactly once, after the last Process call.
	Close() ([]byte, error)

	// Result returns this filter's accumulated value. Valid only after
	// Close.
	Result() (Value, error)
}

// FilterDescriptor is one entry of a filter list as received from the
// wire: a single filter type identifier plus its ordered constructor
// parameters.
type FilterDescriptor struct {
	Identifier string
	Params     []Value
}

// ParseFilterList decodes a filter-list parameter value (an ordered list of
// single-key mappings) into FilterDescriptors, in wire order.
func ParseFilterList(v Value) ([]FilterDescriptor, error) {
	items, err := v.List()
	if err != nil {
		return nil, NewProtocolError("filter list: %v", err)
	}

	descriptors := make([]FilterDescriptor, 0, len(items))
	for _, item := range items {
		pairs, err := item.KV()
		if err != nil {
			return nil, NewProtocolError("filter descriptor: %v", err)
		}
		if len(pairs) != 1 {
			return nil, NewProtocolError("filter descriptor must have exactly one key, got %d", len(pairs))
		}

		params, err := pairs[0].Value.List()
		if err != nil {
			return nil, NewProtocolError("filter %q parameters: %v", pairs[0].Key, err)
		}

		descriptors = append(descriptors, FilterDescriptor{
			Identifier: pairs[0].Key,
			Params:     params,
		})
	}
	return descriptors, nil
}

// FilterConstructor builds a Filter from its wire parameters.
type FilterConstructor func(params []Value) (Filter, error)

// FilterRegistry maps filter identifiers to constructors. The core ships
// one registry (pkg/filters) covering the closed set of filter identifiers;
// callers outside this module may register additional filters before
// building a pipeline, though the wire contract only recognizes the
// documented set.
type FilterRegistry struct {
	constructors map[string]FilterConstructor
}

// NewFilterRegistry creates an empty registry.
func NewFilterRegistry() *FilterRegistry {
	return &FilterRegistry{constructors: make(map[string]FilterConstructor)}
}

// Register binds identifier to constructor.
func (r *FilterRegistry) Register(identifier string, constructor FilterConstructor) {
	r.constructors[identifier] = constructor
}

// Build materializes descriptors into a Pipeline in order. An unrecognized
// identifier fails the whole build with an AssertError naming it, and no
// handle is opened by the caller as a result.
func (r *FilterRegistry) Build(descriptors []FilterDescriptor) (*Pipeline, error) {
	filters := make([]Filter, 0, len(descriptors))
	for _, d := range descriptors {
		constructor, ok := r.constructors[d.Identifier]
		if !ok {
			return nil, NewAssertError("unable to add filter '%s'", d.Identifier)
		}
		f, err := constructor(d.Params)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return &Pipeline{filters: filters}, nil
}

// Pipeline is an ordered, immutable-after-open chain of filters bound to
// either a read stream (driver -> filter[0] -> ... -> filter[n] -> channel)
// or a write stream (channel -> filter[0] -> ... -> filter[n] -> driver).
type Pipeline struct {
	filters []Filter
}

// Process runs in through every filter in order, returning the fully
// transformed chunk.
func (p *Pipeline) Process(in []byte) ([]byte, error) {
	cur := in
	for _, f := range p.filters {
		out, err := f.Process(cur)
		if err != nil {
			return nil, err
		}
		cur = out
	}
	return cur, nil
}

// Close closes every filter in pipeline order. A filter's trailing bytes
// (e.g. a compressor's final flush) are themselves run through every
// downstream filter's Process before the next filter is closed, so closing
// the pipeline is itself one more pass of data through the remainder of the
// chain.
func (p *Pipeline) Close() ([]byte, error) {
	var final []byte
	for i, f := range p.filters {
		trailing, err := f.Close()
		if err != nil {
			return nil, err
		}
		cur := trailing
		for j := i + 1; j < len(p.filters); j++ {
			cur, err = p.filters[j].Process(cur)
			if err != nil {
				return nil, err
			}
		}
		final = append(final, cur...)
	}
	return final, nil
}

// Result collects every filter's accumulated result, in pipeline order, as
// an ordered key/value mapping from identifier to result value.
func (p *Pipeline) Result() (Value, error) {
	pairs := make([]KVPair, 0, len(p.filters))
	for _, f := range p.filters {
		v, err := f.Result()
		if err != nil {
			return Value{}, err
		}
		pairs = append(pairs, KVPair{Key: f.Identifier(), Value: v})
	}
	return KV(pairs...), nil
}

// Len reports how many filters are in the pipeline.
func (p *Pipeline) Len() int { return len(p.filters) }
