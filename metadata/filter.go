package metadata

// compareEqual compares two scalars. Ints and floats compare by numeric value,
// so a stored Int(5) equals a filter Float(5.0).
func compareEqual(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		if a.Kind == KindInt && b.Kind == KindInt {
			return a.I64 == b.I64
		}
		af, _ := a.AsFloat64()
		bf, _ := b.AsFloat64()
		return af == bf
	}

	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case KindNull:
		return true
	case KindString:
		return a.s == b.s
	case KindBool:
		return a.B == b.B
	default:
		return false
	}
}

// compareOrdered returns -1, 0 or 1 for numeric a and b. ok is false for
// non-numeric operands.
func compareOrdered(a, b Value) (int, bool) {
	if !a.IsNumber() || !b.IsNumber() {
		return 0, false
	}
	if a.Kind == KindInt && b.Kind == KindInt {
		switch {
		case a.I64 < b.I64:
			return -1, true
		case a.I64 > b.I64:
			return 1, true
		default:
			return 0, true
		}
	}
	af, _ := a.AsFloat64()
	bf, _ := b.AsFloat64()
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

func compareIn(a Value, set []Value) bool {
	for _, item := range set {
		if compareEqual(a, item) {
			return true
		}
	}
	return false
}
