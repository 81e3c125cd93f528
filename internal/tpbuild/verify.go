package tpbuild

import (
	"errors"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
)

// ArchiveState is the result of checking one downloaded archive.
type ArchiveState string

const (
	ArchiveOK       ArchiveState = "ok"
	ArchiveMissing  ArchiveState = "missing"
	ArchiveMismatch ArchiveState = "mismatch"
)

type ArchiveStatus struct {
	Dependency string
	Archive    string
	State      ArchiveState
	Got        digest.Digest // set for ArchiveMismatch
	Want       digest.Digest
}

// VerifyArchives checks every archive of deps already in the download dir
// against the registry. It never downloads. Archives not yet fetched are
// reported as missing.
func VerifyArchives(layout Layout, reg *ChecksumRegistry, deps []*Descriptor) ([]ArchiveStatus, error) {
	var names []string
	for _, dep := range deps {
		names = append(names, dep.Archives()...)
	}
	if err := reg.Require(names...); err != nil {
		return nil, err
	}

	var out []ArchiveStatus
	for _, dep := range deps {
		for _, archive := range dep.Archives() {
			want, _ := reg.Lookup(archive)
			st := ArchiveStatus{Dependency: dep.Name, Archive: archive, State: ArchiveOK, Want: want}
			got, err := digestFile(layout.ArchivePath(archive))
			switch {
			case errors.Is(err, os.ErrNotExist):
				st.State = ArchiveMissing
			case err != nil:
				return nil, err
			case got != want:
				st.State = ArchiveMismatch
				st.Got = got
			}
			out = append(out, st)
		}
	}
	return out, nil
}

func printArchiveStatus(statuses []ArchiveStatus) error {
	var bad int
	for _, st := range statuses {
		switch st.State {
		case ArchiveOK:
			cPrintf(colSuccess, "  ok       ")
		case ArchiveMissing:
			cPrintf(colNote, "  missing  ")
		case ArchiveMismatch:
			cPrintf(colError, "  mismatch ")
			bad++
		}
		fmt.Printf("%s (%s)\n", st.Archive, st.Dependency)
		if st.State == ArchiveMismatch {
			fmt.Printf("           got  %s\n           want %s\n", st.Got.Encoded(), st.Want.Encoded())
		}
	}
	if bad > 0 {
		return fmt.Errorf("%w: %d downloaded archive(s) do not match the registry", ErrIntegrity, bad)
	}
	return nil
}
