// nolint: gochecknoglobals
package idgenerator

import gonanoid "github.com/matoous/go-nanoid/v2"

const (
	NodeSuffixLength           = 5
	RecordKeyLength            = 15
	EtcdNamespaceForTestLength = 10
)

// alphabet used in ID generation.
var alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func NodeSuffix() string {
	return gonanoid.MustGenerate(alphabet, NodeSuffixLength)
}

func RecordKey() string {
	return gonanoid.MustGenerate(alphabet, RecordKeyLength)
}

func EtcdNamespaceForTest() string {
	return gonanoid.MustGenerate(alphabet, EtcdNamespaceForTestLength)
}
