// Package normalize implements the Frame Normalizer: it turns a
// raw generator candidate into a canonical frame exactly
// target_size x target_size, RGBA, with a transparent background and a
// baseline aligned to the anchor. The pipeline is ordered and each step
// records its own duration and success so a failure can be attributed
// to a specific stage.
package normalize
