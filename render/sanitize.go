package render

import (
	"sort"
	"strings"
)

// CleanAlertName trims the conventional "Trap" suffix MIB authors put on
// notification names, so "ciscoConfigManEventTrap" alerts as
// "ciscoConfigManEvent".
func CleanAlertName(name string) string {
	if strings.HasSuffix(name, "Trap") && len(name) > len("Trap") {
		return strings.TrimSuffix(name, "Trap")
	}
	return name
}

// TruncateCommonPrefix strips the longest common prefix shared by every
// key in labels, returning the stripped prefix. Vendor MIBs prefix every
// object in a notification with the same module name; removing it keeps
// label keys short without losing information.
func TruncateCommonPrefix(labels map[string]string) string {
	prefix := commonAffix(labels, false)
	if prefix == "" {
		return ""
	}
	rewriteKeys(labels, func(k string) string { return strings.TrimPrefix(k, prefix) })
	return prefix
}

// TruncateCommonSuffix strips the longest common suffix shared by every
// key in labels, returning the stripped suffix.
func TruncateCommonSuffix(labels map[string]string) string {
	suffix := commonAffix(labels, true)
	if suffix == "" {
		return ""
	}
	rewriteKeys(labels, func(k string) string { return strings.TrimSuffix(k, suffix) })
	return suffix
}

// commonAffix computes the longest shared prefix (or suffix) over all keys.
// Keys are walked in sorted order so the result is deterministic.
func commonAffix(labels map[string]string, suffix bool) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	common := keys[0]
	for _, k := range keys[1:] {
		n := 0
		if suffix {
			for n < len(common) && n < len(k) && common[len(common)-1-n] == k[len(k)-1-n] {
				n++
			}
			common = common[len(common)-n:]
		} else {
			for n < len(common) && n < len(k) && common[n] == k[n] {
				n++
			}
			common = common[:n]
		}
		if common == "" {
			return ""
		}
	}
	return common
}

func rewriteKeys(labels map[string]string, transform func(string) string) {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		nk := transform(k)
		if nk == "" {
			nk = k
		}
		out[nk] = v
	}
	for k := range labels {
		delete(labels, k)
	}
	for k, v := range out {
		labels[k] = v
	}
}

// LabelKey rewrites an arbitrary display name into a legal Prometheus
// label name: every illegal rune becomes an underscore and a leading
// digit is prefixed.
func LabelKey(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		legal := r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9' && i > 0)
		switch {
		case legal:
			b.WriteRune(r)
		case r >= '0' && r <= '9': // leading digit
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
