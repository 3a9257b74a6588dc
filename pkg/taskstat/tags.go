package taskstat

import "strconv"

// Tags is an ordered list of "key:value" tags.
type Tags []string

// BaseTags returns server and port tags followed by the instance tags.
func BaseTags(host string, port int, instance []string) Tags {
	tags := make(Tags, 0, 2+len(instance))
	tags = append(tags, "server:"+host, "port:"+strconv.Itoa(port))
	return append(tags, instance...)
}

// With returns a copy of t with extra appended. t is never modified.
func (t Tags) With(extra ...string) Tags {
	out := make(Tags, 0, len(t)+len(extra))
	out = append(out, t...)
	return append(out, extra...)
}
