// Package version compares backplane and product versions.
package version

import (
	"github.com/cockroachdb/errors"
	goversion "github.com/hashicorp/go-version"
)

// Jump is a major version upgrade that keeps the sync protocol compatible
type Jump struct {
	From int
	To   int
}

// DefaultCompatibleJumps lists the major upgrades that do not force an
// update of managed servers. 0.x servers speak the 1.x protocol.
var DefaultCompatibleJumps = []Jump{{From: 0, To: 1}}

// Status is the outcome of comparing a local and a remote version
type Status struct {
	Local     string
	Remote    string
	Available bool // local is newer than remote
	Force     bool // remote is too old to sync with
}

// Detector decides update availability between central and managed
// servers
type Detector struct {
	compatible map[Jump]bool
}

// NewDetector creates a detector that treats jumps as compatible
func NewDetector(jumps ...Jump) *Detector {
	d := &Detector{compatible: make(map[Jump]bool, len(jumps))}
	for _, j := range jumps {
		d.compatible[j] = true
	}
	return d
}

// Detect compares the local version with the one a managed server reports.
// A remote whose major version is behind forces an update unless every
// major step between them is a compatible jump.
func (d *Detector) Detect(local, remote string) (Status, error) {
	st := Status{Local: local, Remote: remote}

	lv, err := goversion.NewVersion(local)
	if err != nil {
		return st, errors.Wrapf(err, "local version %q", local)
	}
	rv, err := goversion.NewVersion(remote)
	if err != nil {
		return st, errors.Wrapf(err, "remote version %q", remote)
	}

	st.Available = lv.GreaterThan(rv)

	lmajor, rmajor := major(lv), major(rv)
	if lmajor > rmajor {
		st.Force = true
		for m := rmajor; m < lmajor; m++ {
			if !d.compatible[Jump{From: m, To: m + 1}] {
				return st, nil
			}
		}
		st.Force = false
	}
	return st, nil
}

func major(v *goversion.Version) int {
	return v.Segments()[0]
}

// Compare orders two versions like strings.Compare
func Compare(a, b string) (int, error) {
	av, err := goversion.NewVersion(a)
	if err != nil {
		return 0, err
	}
	bv, err := goversion.NewVersion(b)
	if err != nil {
		return 0, err
	}
	return av.Compare(bv), nil
}

// NewerThanAll reports whether candidate is newer than every version in
// known. An empty known set makes any candidate newer.
func NewerThanAll(candidate string, known []string) (bool, error) {
	cv, err := goversion.NewVersion(candidate)
	if err != nil {
		return false, err
	}
	for _, k := range known {
		kv, err := goversion.NewVersion(k)
		if err != nil {
			return false, err
		}
		if !cv.GreaterThan(kv) {
			return false, nil
		}
	}
	return true, nil
}

// Latest returns the highest of versions, skipping unparseable entries
func Latest(versions []string) (string, bool) {
	var best *goversion.Version
	var bestRaw string
	for _, s := range versions {
		v, err := goversion.NewVersion(s)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestRaw = v, s
		}
	}
	return bestRaw, best != nil
}
