// Package sid provides the training driver for speaker-identification models.
//
// # Reading Guide
//
// Start with these three files to understand a training run:
//   - config.go: the YAML training configuration, its defaults and validation
//   - run.go: device selection, resume, and the per-rank epoch loop
//   - rng.go: deterministic per-subsystem random streams derived from one seed
//
// # Architecture
//
// The sid package wires the run together; the pieces live in sub-packages:
//   - sid/dataset/: metadata loading and per-utterance feature access
//   - sid/sampler/: distributed batch sampler with sortagrad ordering
//   - sid/loader/: batch assembly with padding and optional worker prefetch
//   - sid/nn/: backbone, classifier and loss builders
//   - sid/optim/: optimizers and learning-rate schedules
//   - sid/trainer/: one epoch of training or validation, plus the scalar log
//   - sid/checkpoint/: epoch checkpoint triples, listing, resume and retention
//   - sid/blob/: object storage for checkpoints (local directory, S3, MinIO)
//   - sid/codec/: optional zstd/lz4 compression of checkpoint payloads
//   - sid/dist/: process group with weighted all-reduce and a local launcher
//   - sid/device/: accelerator probing and world-size selection
//
// Storage backends other than the local directory register themselves via
// init() in sid/blob/s3 and sid/blob/minio; a binary links them with a blank
// import.
//
// # Checkpoints
//
// After every epoch rank 0 writes model/<epoch>.pdparams, model/<epoch>.pdopt
// and, last, model/<epoch>.json. A checkpoint is only listed once its JSON
// record exists, so an interrupted save is never resumed from.
package sid
