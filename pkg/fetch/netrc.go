package fetch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Credentials is a login/password pair from the user's netrc file.
type Credentials struct {
	Login    string
	Password string
}

// NetrcPath returns the credentials file location: $NETRC when set,
// otherwise ~/.netrc. The fallback may be empty when no home directory
// can be resolved.
func NetrcPath() string {
	if path := os.Getenv("NETRC"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".netrc")
}

// NetrcCredentials reads ~/.netrc (or $NETRC) and returns the entry for
// machine. Providers behind Earthdata expect standard netrc handling,
// the same file curl and wget use.
func NetrcCredentials(machine string) (*Credentials, error) {
	path := NetrcPath()
	if path == "" {
		return nil, newError(KindConfig, "cannot locate home directory for .netrc", nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindConfig, fmt.Sprintf("cannot read %s", path), err)
	}

	creds, ok := parseNetrc(string(data), machine)
	if !ok {
		return nil, newError(KindConfig, fmt.Sprintf("no entry for machine %s in %s", machine, path), nil)
	}
	return creds, nil
}

// parseNetrc scans the token stream for the requested machine block.
// The format is a flat token list, line breaks carry no meaning.
func parseNetrc(content, machine string) (*Credentials, bool) {
	tokens := strings.Fields(content)

	var creds Credentials
	inMachine := false
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "machine":
			if inMachine {
				// Next block starts, stop collecting.
				return finishNetrc(&creds, inMachine)
			}
			if i+1 < len(tokens) && tokens[i+1] == machine {
				inMachine = true
			}
			i++
		case "default":
			if inMachine {
				return finishNetrc(&creds, inMachine)
			}
		case "login":
			if inMachine && i+1 < len(tokens) {
				creds.Login = tokens[i+1]
			}
			i++
		case "password":
			if inMachine && i+1 < len(tokens) {
				creds.Password = tokens[i+1]
			}
			i++
		case "account", "macdef":
			i++
		}
	}
	return finishNetrc(&creds, inMachine)
}

func finishNetrc(c *Credentials, found bool) (*Credentials, bool) {
	if !found || c.Login == "" || c.Password == "" {
		return nil, false
	}
	return c, true
}
