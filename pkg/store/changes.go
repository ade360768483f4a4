package store

// FilterChange applies a row predicate to a change the way filtered change feeds are
// defined: the change is kept when either image matches, and an image that does not
// match is reported as absent. ok is false when neither image matches.
func FilterChange(c Change, match func(Document) (bool, error)) (out Change, ok bool, err error) {
	if match == nil {
		return c, c.OldVal != nil || c.NewVal != nil, nil
	}

	if c.OldVal != nil {
		matched, err := match(c.OldVal)
		if err != nil {
			return Change{}, false, err
		}
		if matched {
			out.OldVal = c.OldVal
		}
	}
	if c.NewVal != nil {
		matched, err := match(c.NewVal)
		if err != nil {
			return Change{}, false, err
		}
		if matched {
			out.NewVal = c.NewVal
		}
	}
	return out, out.OldVal != nil || out.NewVal != nil, nil
}
