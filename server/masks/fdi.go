package masks

// TeethClasses is the number of tooth classes the segmentation model emits.
const TeethClasses = 32

// FDINumber maps a tooth class id (0..31) to its FDI two-digit notation.
// Classes run quadrant by quadrant: 0..7 are 11..18, 8..15 are 21..28 and so
// on. Unknown classes keep their raw id.
func FDINumber(classID int) int {
	if classID < 0 || classID >= TeethClasses {
		return classID
	}
	quadrant := classID/8 + 1
	return quadrant*10 + classID%8 + 1
}

// FDIQuadrant returns 1..4 for a valid FDI number, 0 otherwise.
func FDIQuadrant(fdi int) int {
	q := fdi / 10
	if q < 1 || q > 4 || fdi%10 < 1 || fdi%10 > 8 {
		return 0
	}
	return q
}

// UpperJaw reports whether the tooth sits in the maxilla. Its roots then point
// up in a panoramic image.
func UpperJaw(fdi int) bool {
	q := FDIQuadrant(fdi)
	return q == 1 || q == 2
}
