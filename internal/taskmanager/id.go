package taskmanager

import "crypto/rand"

const (
	idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	idLength   = 8

	// idMaxByte is the largest multiple of len(idAlphabet) that fits in a
	// byte. Random bytes at or above it are discarded to avoid modulo bias.
	idMaxByte = 256 - 256%len(idAlphabet)
)

// newTaskID returns a random alphanumeric Task id.
func newTaskID() (string, error) {
	id := make([]byte, 0, idLength)
	buf := make([]byte, idLength*2)

	for len(id) < idLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}

		for _, b := range buf {
			if int(b) >= idMaxByte {
				continue
			}

			id = append(id, idAlphabet[int(b)%len(idAlphabet)])

			if len(id) == idLength {
				break
			}
		}
	}

	return string(id), nil
}

// ValidTaskID reports whether id has the shape of a Task id. Ids from clients
// are checked before they are used to locate a log.
func ValidTaskID(id string) bool {
	if len(id) != idLength {
		return false
	}

	for i := range len(id) {
		c := id[i]

		isAlnum := (c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9')

		if !isAlnum {
			return false
		}
	}

	return true
}
