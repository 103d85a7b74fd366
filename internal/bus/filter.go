package bus

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// applyFilterChain evaluates a channel's filters in priority order. The
// first matching allow/deny/route action wins; modify mutates the message
// and continues evaluating the remaining filters. ok=false means the
// message is dropped by a deny; a message that falls through every filter
// is allowed.
func applyFilterChain(filters []Filter, msg Message) (out Message, routeTo string, ok bool) {
	ordered := append([]Filter(nil), filters...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	out = msg
	if len(ordered) == 0 {
		return out, "", true
	}
	for _, f := range ordered {
		if !matchFilter(f, out) {
			continue
		}
		switch f.Action {
		case ActionAllow:
			return out, "", true
		case ActionDeny:
			return out, "", false
		case ActionRoute:
			return out, f.RouteTo, true
		case ActionModify:
			if f.Modify != nil {
				out = f.Modify(out)
			}
			continue
		}
	}
	return out, "", true
}

func matchFilter(f Filter, msg Message) bool {
	val := fieldValue(f.Field, msg)
	switch f.Op {
	case OpEq:
		return fmt.Sprint(val) == fmt.Sprint(f.Value)
	case OpNe:
		return fmt.Sprint(val) != fmt.Sprint(f.Value)
	case OpGt:
		a, b, ok := asFloats(val, f.Value)
		return ok && a > b
	case OpLt:
		a, b, ok := asFloats(val, f.Value)
		return ok && a < b
	case OpContains:
		return strings.Contains(fmt.Sprint(val), fmt.Sprint(f.Value))
	case OpMatches:
		pattern, ok := f.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(val))
	case OpIn:
		list, ok := f.Value.([]string)
		if !ok {
			return false
		}
		s := fmt.Sprint(val)
		for _, item := range list {
			if item == s {
				return true
			}
		}
		return false
	}
	return false
}

func fieldValue(field string, msg Message) any {
	switch field {
	case "type":
		return msg.Type
	case "sender":
		return msg.Sender
	case "priority":
		return int(msg.Priority)
	case "reliability":
		return string(msg.Reliability)
	case "content_type":
		return msg.ContentType
	case "size":
		return msg.Size()
	default:
		return ""
	}
}

func asFloats(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// applyMiddleware runs msg through the channel's middleware chain in order.
// ok=false if any stage drops the message.
func applyMiddleware(chain []Middleware, msg Message) (Message, bool) {
	cur := msg
	for _, mw := range chain {
		next, ok := mw(cur)
		if !ok {
			return Message{}, false
		}
		cur = next
	}
	return cur, true
}
