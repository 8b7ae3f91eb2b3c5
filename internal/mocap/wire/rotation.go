package wire

import (
	"math"

	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

// QuatFromMatrix converts a column-major 3x3 rotation matrix, as sent in 6D
// components, into a unit quaternion.
func QuatFromMatrix(m [9]float64) record.Quat {
	// r(i,j) = m[j*3+i]
	r00, r11, r22 := m[0], m[4], m[8]
	r10, r20, r01 := m[1], m[2], m[3]
	r21, r02, r12 := m[5], m[6], m[7]

	var q quat.Number
	switch trace := r00 + r11 + r22; {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{Real: s / 4, Imag: (r21 - r12) / s, Jmag: (r02 - r20) / s, Kmag: (r10 - r01) / s}
	case r00 > r11 && r00 > r22:
		s := math.Sqrt(1+r00-r11-r22) * 2
		q = quat.Number{Real: (r21 - r12) / s, Imag: s / 4, Jmag: (r01 + r10) / s, Kmag: (r02 + r20) / s}
	case r11 > r22:
		s := math.Sqrt(1+r11-r00-r22) * 2
		q = quat.Number{Real: (r02 - r20) / s, Imag: (r01 + r10) / s, Jmag: s / 4, Kmag: (r12 + r21) / s}
	default:
		s := math.Sqrt(1+r22-r00-r11) * 2
		q = quat.Number{Real: (r10 - r01) / s, Imag: (r02 + r20) / s, Jmag: (r12 + r21) / s, Kmag: s / 4}
	}
	return fromNumber(normalize(q))
}

// QuatFromEuler converts the server's default Euler angles in degrees
// (roll about X, then pitch about the new Y, then yaw about the new Z) into a
// unit quaternion.
func QuatFromEuler(roll, pitch, yaw float64) record.Quat {
	qx := axisAngle(roll, 1, 0, 0)
	qy := axisAngle(pitch, 0, 1, 0)
	qz := axisAngle(yaw, 0, 0, 1)
	return fromNumber(normalize(quat.Mul(quat.Mul(qx, qy), qz)))
}

func axisAngle(deg, x, y, z float64) quat.Number {
	half := deg * math.Pi / 360
	s := math.Sin(half)
	return quat.Number{Real: math.Cos(half), Imag: x * s, Jmag: y * s, Kmag: z * s}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return q
	}
	q = quat.Scale(1/n, q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

func fromNumber(q quat.Number) record.Quat {
	return record.Quat{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real}
}
