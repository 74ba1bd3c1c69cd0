package gateway

import (
	"bufio"
	"strings"

	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/config"
)

// parseKeyValues reads "key: value" and "key : value" lines. Keys are
// lowercased; the first occurrence of a key wins.
func parseKeyValues(out string) map[string]string {
	values := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		i := strings.Index(line, ":")
		if i <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:i]))
		if key == "" {
			continue
		}
		if _, seen := values[key]; seen {
			continue
		}
		values[key] = strings.TrimSpace(line[i+1:])
	}
	return values
}

func joined(values map[string]string, sc config.StatusCommand) bool {
	v, ok := values[strings.ToLower(sc.JoinedKey)]
	if !ok {
		return false
	}
	if len(sc.JoinedValues) == 0 {
		return v != ""
	}
	for _, want := range sc.JoinedValues {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func lookup(values map[string]string, key string) string {
	if key == "" {
		return ""
	}
	return values[strings.ToLower(key)]
}

func parseMembership(out string, sc config.StatusCommand) capability.MembershipStatus {
	values := parseKeyValues(out)
	status := capability.MembershipStatus{Joined: joined(values, sc)}
	if status.Joined {
		status.Domain = lookup(values, sc.DomainKey)
	}
	return status
}

func parseJoinStatus(out string, sc config.StatusCommand) capability.JoinStatus {
	values := parseKeyValues(out)
	status := capability.JoinStatus{Joined: joined(values, sc)}
	if status.Joined {
		status.Tenant = lookup(values, sc.TenantKey)
		status.DeviceID = lookup(values, sc.DeviceKey)
	}
	return status
}
