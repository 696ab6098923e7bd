package iotypes

// ComposeJSON builds a Composer that decodes In purely from the request
// body as JSON, ignoring query/path/header thunks entirely, for operations
// whose input uses only the body surface. An empty body fails with
// ErrEmptyBody (classified ValidationError by the framework).
func ComposeJSON[In any]() Composer[In] {
	return func(d Decoders) (In, error) {
		var in In
		body, err := d.Body()
		if err != nil {
			return in, err
		}
		m, err := BodyJSONMap(body)
		if err != nil {
			return in, err
		}
		if err := ComposeStruct(&in, m, BindOptions{}); err != nil {
			return in, err
		}
		return in, nil
	}
}

// ComposeMerged builds a Composer that decodes In from all four surfaces:
// query, path, and headers are merged first (path wins over query, query
// wins over headers), then an optional JSON body is merged on top. A
// missing/empty body is tolerated (treated as no additional fields)
// rather than failing, since merged-surface operations typically carry
// their required fields in the path or query string.
func ComposeMerged[In any](opts BindOptions) Composer[In] {
	return func(d Decoders) (In, error) {
		var in In
		merged := map[string]any{}

		h, err := d.Headers()
		if err != nil {
			return in, err
		}
		for k, v := range HeaderMap(h) {
			merged[k] = v
		}

		q, err := d.Query()
		if err != nil {
			return in, err
		}
		for k, v := range QueryMap(q) {
			merged[k] = v
		}

		p, err := d.Path()
		if err != nil {
			return in, err
		}
		for k, v := range PathMap(p) {
			merged[k] = v
		}

		body, err := d.Body()
		if err != nil {
			return in, err
		}
		if len(body) > 0 {
			bm, err := BodyJSONMap(body)
			if err != nil {
				return in, err
			}
			for k, v := range bm {
				merged[k] = v
			}
		}

		if err := ComposeStruct(&in, merged, opts); err != nil {
			return in, err
		}
		return in, nil
	}
}
