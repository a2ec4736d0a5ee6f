package regression

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var errSVD = errors.New("regression: SVD did not converge")

// Pinv returns the Moore-Penrose pseudoinverse of a along with its numerical
// rank. Singular values at or below tol*max(singular values) are treated as
// zero, so rank-deficient and all-zero matrices give the minimum-norm
// solution instead of failing. A tol <= 0 selects max(rows, cols) * eps.
func Pinv(a mat.Matrix, tol float64) (*mat.Dense, int, error) {
	r, c := a.Dims()
	if tol <= 0 {
		tol = float64(max(r, c)) * eps
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, 0, errSVD
	}
	s := svd.Values(nil)

	pinv := mat.NewDense(c, r, nil)
	if len(s) == 0 || s[0] == 0 {
		return pinv, 0, nil
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// pinv = V * diag(1/s) * U^T over the retained singular values
	cutoff := tol * s[0]
	rank := 0
	for _, sv := range s {
		if sv > cutoff {
			rank++
		}
	}
	if rank == 0 {
		return pinv, 0, nil
	}

	vr := v.Slice(0, c, 0, rank).(*mat.Dense)
	ur := u.Slice(0, r, 0, rank).(*mat.Dense)

	scaled := mat.NewDense(c, rank, nil)
	scaled.Apply(func(i, j int, val float64) float64 {
		return val / s[j]
	}, vr)
	pinv.Mul(scaled, ur.T())
	return pinv, rank, nil
}

var eps = math.Nextafter(1, 2) - 1
