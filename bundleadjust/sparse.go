package bundleadjust

import (
	"gonum.org/v1/gonum/mat"
)

// normalEquations holds the block-sparse Gauss-Newton system H*delta = b for
// one linearization point. Because every residual touches exactly one camera
// and one point, the camera-camera and point-point parts of H are block
// diagonal (9x9 and 3x3 blocks) and the only off-diagonal structure is the
// per-observation 9x3 camera-point coupling. Fixed blocks get no slot in the
// system at all.
type normalEquations struct {
	// camSlot/ptSlot map block index -> active slot, -1 when the block is fixed.
	camSlot []int
	ptSlot  []int
	numCams int // active cameras
	numPts  int // active points

	hcc []float64 // numCams 9x9 diagonal blocks, row-major
	bc  []float64 // 9*numCams, negative gradient
	hpp []float64 // numPts 3x3 diagonal blocks
	bp  []float64 // 3*numPts

	// per-observation coupling block Jc^T * Omega_r * Jp, valid when both the
	// observation's camera and point are active
	wBlocks []float64 // 27 per observation

	// active point slot -> indices of observations touching it
	obsByPoint [][]int

	// scratch reused across solves
	hppInv []float64 // 9*numPts, filled during elimination for back-substitution
}

func newNormalEquations(cameras []*CameraBlock, points []*PointBlock, observations []Observation) *normalEquations {
	ne := &normalEquations{
		camSlot: make([]int, len(cameras)),
		ptSlot:  make([]int, len(points)),
	}
	for i, cam := range cameras {
		if cam.Fixed() {
			ne.camSlot[i] = -1
			continue
		}
		ne.camSlot[i] = ne.numCams
		ne.numCams++
	}
	for i, pt := range points {
		if pt.Fixed() {
			ne.ptSlot[i] = -1
			continue
		}
		ne.ptSlot[i] = ne.numPts
		ne.numPts++
	}

	ne.hcc = make([]float64, 81*ne.numCams)
	ne.bc = make([]float64, 9*ne.numCams)
	ne.hpp = make([]float64, 9*ne.numPts)
	ne.bp = make([]float64, 3*ne.numPts)
	ne.wBlocks = make([]float64, 27*len(observations))
	ne.hppInv = make([]float64, 9*ne.numPts)

	ne.obsByPoint = make([][]int, ne.numPts)
	for i := range observations {
		if slot := ne.ptSlot[observations[i].Point]; slot >= 0 {
			ne.obsByPoint[slot] = append(ne.obsByPoint[slot], i)
		}
	}
	return ne
}

func (ne *normalEquations) reset() {
	clear(ne.hcc)
	clear(ne.bc)
	clear(ne.hpp)
	clear(ne.bp)
	clear(ne.wBlocks)
}

// assemble accumulates all valid linearized residuals into H and b, applying
// the robust kernel to both the gradient and the Hessian contribution. The
// Hessian weighting follows the standard corrected form
// Omega_r = rho'*Omega + 2*rho''*(Omega*e)(Omega*e)^T, which for Huber zeroes
// the curvature along the error direction of outliers without going indefinite.
func (ne *normalEquations) assemble(observations []Observation, jets []residualJet, loss Loss) {
	ne.reset()
	for i := range observations {
		jet := &jets[i]
		if !jet.valid {
			continue
		}
		obs := &observations[i]
		info := obs.information()

		wex := info[0][0]*jet.ex + info[0][1]*jet.ey
		wey := info[1][0]*jet.ex + info[1][1]*jet.ey
		_, rho1, rho2 := loss.Evaluate(jet.ex*wex + jet.ey*wey)

		var omegaR [2][2]float64
		omegaR[0][0] = rho1*info[0][0] + 2*rho2*wex*wex
		omegaR[0][1] = rho1*info[0][1] + 2*rho2*wex*wey
		omegaR[1][0] = rho1*info[1][0] + 2*rho2*wey*wex
		omegaR[1][1] = rho1*info[1][1] + 2*rho2*wey*wey

		// weighted Jacobians Omega_r * J
		var wjc [2][CameraDims]float64
		var wjp [2][PointDims]float64
		for col := 0; col < CameraDims; col++ {
			wjc[0][col] = omegaR[0][0]*jet.jc[0][col] + omegaR[0][1]*jet.jc[1][col]
			wjc[1][col] = omegaR[1][0]*jet.jc[0][col] + omegaR[1][1]*jet.jc[1][col]
		}
		for col := 0; col < PointDims; col++ {
			wjp[0][col] = omegaR[0][0]*jet.jp[0][col] + omegaR[0][1]*jet.jp[1][col]
			wjp[1][col] = omegaR[1][0]*jet.jp[0][col] + omegaR[1][1]*jet.jp[1][col]
		}

		camSlot := ne.camSlot[obs.Camera]
		ptSlot := ne.ptSlot[obs.Point]

		if camSlot >= 0 {
			hBase := 81 * camSlot
			bBase := 9 * camSlot
			for r := 0; r < CameraDims; r++ {
				ne.bc[bBase+r] -= rho1 * (jet.jc[0][r]*wex + jet.jc[1][r]*wey)
				for c := 0; c < CameraDims; c++ {
					ne.hcc[hBase+r*9+c] += jet.jc[0][r]*wjc[0][c] + jet.jc[1][r]*wjc[1][c]
				}
			}
		}
		if ptSlot >= 0 {
			hBase := 9 * ptSlot
			bBase := 3 * ptSlot
			for r := 0; r < PointDims; r++ {
				ne.bp[bBase+r] -= rho1 * (jet.jp[0][r]*wex + jet.jp[1][r]*wey)
				for c := 0; c < PointDims; c++ {
					ne.hpp[hBase+r*3+c] += jet.jp[0][r]*wjp[0][c] + jet.jp[1][r]*wjp[1][c]
				}
			}
		}
		if camSlot >= 0 && ptSlot >= 0 {
			wBase := 27 * i
			for r := 0; r < CameraDims; r++ {
				for c := 0; c < PointDims; c++ {
					ne.wBlocks[wBase+r*3+c] += jet.jc[0][r]*wjp[0][c] + jet.jc[1][r]*wjp[1][c]
				}
			}
		}
	}
}

// gradientInfNorm returns the max-norm of the (negated) gradient over all
// active block entries.
func (ne *normalEquations) gradientInfNorm() float64 {
	norm := 0.0
	for _, v := range ne.bc {
		if a := abs(v); a > norm {
			norm = a
		}
	}
	for _, v := range ne.bp {
		if a := abs(v); a > norm {
			norm = a
		}
	}
	return norm
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// solve computes the damped Gauss-Newton step by marginalizing out all point
// blocks. Each point's 3x3 system is inverted independently; the resulting
// Schur complement over camera variables is factorized with a dense symmetric
// Cholesky (after elimination the reduced camera system has little sparsity
// left to exploit). Point updates are recovered by back-substitution against
// the solved camera step. A singular point or camera system yields
// ErrDegenerateSystem rather than NaNs.
func (ne *normalEquations) solve(observations []Observation, lambda float64) (dc, dp []float64, err error) {
	dc = make([]float64, 9*ne.numCams)
	dp = make([]float64, 3*ne.numPts)

	var reduced *mat.SymDense
	bReduced := make([]float64, 9*ne.numCams)
	if ne.numCams > 0 {
		reduced = mat.NewSymDense(9*ne.numCams, nil)
		copy(bReduced, ne.bc)
		// damped camera diagonal blocks
		for slot := 0; slot < ne.numCams; slot++ {
			base := 81 * slot
			off := 9 * slot
			for r := 0; r < 9; r++ {
				for c := r; c < 9; c++ {
					v := ne.hcc[base+r*9+c]
					if r == c {
						v += lambda * v
					}
					reduced.SetSym(off+r, off+c, v)
				}
			}
		}
	}

	// eliminate points
	hppDamped := mat.NewSymDense(3, nil)
	hppInv := mat.NewSymDense(3, nil)
	var chol mat.Cholesky
	type camCoupling struct {
		slot int
		w    [27]float64 // W = Jc^T Omega_r Jp accumulated over shared observations
		y    [27]float64 // Y = W * Hpp^-1
	}
	var couplings []camCoupling
	for ptSlot := 0; ptSlot < ne.numPts; ptSlot++ {
		base := 9 * ptSlot
		for r := 0; r < 3; r++ {
			for c := r; c < 3; c++ {
				v := ne.hpp[base+r*3+c]
				if r == c {
					v += lambda * v
				}
				hppDamped.SetSym(r, c, v)
			}
		}
		if ok := chol.Factorize(hppDamped); !ok {
			return nil, nil, ErrDegenerateSystem
		}
		if err := chol.InverseTo(hppInv); err != nil {
			return nil, nil, ErrDegenerateSystem
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				ne.hppInv[base+r*3+c] = hppInv.At(r, c)
			}
		}

		// group this point's coupling blocks by camera
		couplings = couplings[:0]
		for _, obsIdx := range ne.obsByPoint[ptSlot] {
			camSlot := ne.camSlot[observations[obsIdx].Camera]
			if camSlot < 0 {
				continue
			}
			var entry *camCoupling
			for k := range couplings {
				if couplings[k].slot == camSlot {
					entry = &couplings[k]
					break
				}
			}
			if entry == nil {
				couplings = append(couplings, camCoupling{slot: camSlot})
				entry = &couplings[len(couplings)-1]
			}
			wBase := 27 * obsIdx
			for k := 0; k < 27; k++ {
				entry.w[k] += ne.wBlocks[wBase+k]
			}
		}
		if len(couplings) == 0 {
			continue
		}

		for k := range couplings {
			entry := &couplings[k]
			// Y = W * Hpp^-1
			for r := 0; r < 9; r++ {
				for c := 0; c < 3; c++ {
					sum := 0.0
					for x := 0; x < 3; x++ {
						sum += entry.w[r*3+x] * ne.hppInv[base+x*3+c]
					}
					entry.y[r*3+c] = sum
				}
			}
			// b_reduced -= Y * bp
			off := 9 * entry.slot
			for r := 0; r < 9; r++ {
				bReduced[off+r] -= entry.y[r*3+0]*ne.bp[3*ptSlot+0] +
					entry.y[r*3+1]*ne.bp[3*ptSlot+1] +
					entry.y[r*3+2]*ne.bp[3*ptSlot+2]
			}
		}
		// S -= Y_a * W_b^T for every camera pair sharing this point
		for a := range couplings {
			for b := range couplings {
				if couplings[a].slot > couplings[b].slot {
					continue
				}
				rowOff := 9 * couplings[a].slot
				colOff := 9 * couplings[b].slot
				for r := 0; r < 9; r++ {
					cStart := 0
					if rowOff == colOff {
						cStart = r
					}
					for c := cStart; c < 9; c++ {
						sum := 0.0
						for x := 0; x < 3; x++ {
							sum += couplings[a].y[r*3+x] * couplings[b].w[c*3+x]
						}
						reduced.SetSym(rowOff+r, colOff+c, reduced.At(rowOff+r, colOff+c)-sum)
					}
				}
			}
		}
	}

	if ne.numCams > 0 {
		if ok := chol.Factorize(reduced); !ok {
			return nil, nil, ErrDegenerateSystem
		}
		sol := mat.NewVecDense(9*ne.numCams, dc)
		if err := chol.SolveVecTo(sol, mat.NewVecDense(9*ne.numCams, bReduced)); err != nil {
			return nil, nil, ErrDegenerateSystem
		}
	}

	// back-substitute: dp = Hpp^-1 * (bp - W^T * dc)
	for ptSlot := 0; ptSlot < ne.numPts; ptSlot++ {
		var rhs [3]float64
		rhs[0] = ne.bp[3*ptSlot+0]
		rhs[1] = ne.bp[3*ptSlot+1]
		rhs[2] = ne.bp[3*ptSlot+2]
		for _, obsIdx := range ne.obsByPoint[ptSlot] {
			camSlot := ne.camSlot[observations[obsIdx].Camera]
			if camSlot < 0 {
				continue
			}
			wBase := 27 * obsIdx
			off := 9 * camSlot
			for c := 0; c < 3; c++ {
				sum := 0.0
				for r := 0; r < 9; r++ {
					sum += ne.wBlocks[wBase+r*3+c] * dc[off+r]
				}
				rhs[c] -= sum
			}
		}
		base := 9 * ptSlot
		for r := 0; r < 3; r++ {
			dp[3*ptSlot+r] = ne.hppInv[base+r*3+0]*rhs[0] +
				ne.hppInv[base+r*3+1]*rhs[1] +
				ne.hppInv[base+r*3+2]*rhs[2]
		}
	}
	return dc, dp, nil
}

// maxDiagonal returns the largest diagonal entry of H across all active
// blocks, used to seed the damping parameter.
func (ne *normalEquations) maxDiagonal() float64 {
	maxDiag := 0.0
	for slot := 0; slot < ne.numCams; slot++ {
		base := 81 * slot
		for r := 0; r < 9; r++ {
			if v := ne.hcc[base+r*9+r]; v > maxDiag {
				maxDiag = v
			}
		}
	}
	for slot := 0; slot < ne.numPts; slot++ {
		base := 9 * slot
		for r := 0; r < 3; r++ {
			if v := ne.hpp[base+r*3+r]; v > maxDiag {
				maxDiag = v
			}
		}
	}
	return maxDiag
}
