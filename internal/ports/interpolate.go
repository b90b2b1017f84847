package ports

import (
	"regexp"
	"strconv"
	"strings"
)

// Matches $PORT, ${PORT}, and the sibling form ${PORT:serviceName}.
var portTokenRegex = regexp.MustCompile(`\$\{PORT(?::([^}]+))?\}|\$PORT\b`)

var nonAlnumRegex = regexp.MustCompile(`[^A-Za-z0-9]`)

// SanitizeServiceName converts a service name into its environment
// variable prefix: every char outside [A-Za-z0-9] becomes '_' and the
// result is upper-cased ("api-server" -> "API_SERVER").
func SanitizeServiceName(name string) string {
	return strings.ToUpper(nonAlnumRegex.ReplaceAllString(name, "_"))
}

// PortEnvVar returns the injected env variable name for a service port
// ("web" -> "WEB_PORT").
func PortEnvVar(name string) string {
	return SanitizeServiceName(name) + "_PORT"
}

// Interpolate resolves port tokens in a single env value. $PORT and
// ${PORT} refer to ownPort; ${PORT:name} resolves against portMap and is
// left literal when the sibling is unknown.
func Interpolate(value string, ownPort int, portMap map[string]int) string {
	return portTokenRegex.ReplaceAllStringFunc(value, func(token string) string {
		groups := portTokenRegex.FindStringSubmatch(token)
		if len(groups) > 1 && groups[1] != "" {
			if port, ok := portMap[groups[1]]; ok {
				return strconv.Itoa(port)
			}
			return token
		}
		return strconv.Itoa(ownPort)
	})
}

// InterpolateEnv applies Interpolate to every value of env in place.
func InterpolateEnv(env map[string]string, ownPort int, portMap map[string]int) {
	for key, value := range env {
		env[key] = Interpolate(value, ownPort, portMap)
	}
}
