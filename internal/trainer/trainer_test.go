package trainer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"sknet-train/internal/checkpoint"
	"sknet-train/internal/dataset"
	"sknet-train/internal/device"
	"sknet-train/internal/model"
)

var cpu = device.Device{Kind: device.CPU}

// fixedModel returns the same logits for every input row.
type fixedModel struct {
	logits    []float64
	param     *model.Param
	training  bool
	backwards int
	evalRows  int
}

func newFixedModel(logits ...float64) *fixedModel {
	return &fixedModel{
		logits: logits,
		param:  &model.Param{Name: "w", Value: mat.NewDense(1, 1, []float64{1}), Grad: mat.NewDense(1, 1, nil)},
	}
}

func (f *fixedModel) Forward(x *mat.Dense) (*mat.Dense, error) {
	rows, _ := x.Dims()
	out := mat.NewDense(rows, len(f.logits), nil)
	for i := 0; i < rows; i++ {
		out.SetRow(i, f.logits)
	}
	if !f.training {
		f.evalRows += rows
	}
	return out, nil
}

func (f *fixedModel) Backward(*mat.Dense) error {
	if !f.training {
		return model.ErrNoGraph
	}
	f.backwards++
	return nil
}

func (f *fixedModel) Params() []*model.Param    { return []*model.Param{f.param} }
func (f *fixedModel) SetTraining(training bool) { f.training = training }
func (f *fixedModel) ZeroGrad()                 { f.param.Grad.Zero() }

// identityModel uses its inputs as logits.
type identityModel struct{ fixedModel }

func (m *identityModel) Forward(x *mat.Dense) (*mat.Dense, error) {
	return mat.DenseCopyOf(x), nil
}

type sliceLoader []model.Batch

func (s sliceLoader) Len() int                         { return len(s) }
func (s sliceLoader) Batch(i int) (model.Batch, error) { return s[i], nil }

func batchOf(size, width int, labels ...int) model.Batch {
	if len(labels) == 0 {
		labels = make([]int, size)
	}
	return model.Batch{Inputs: mat.NewDense(size, width, nil), Labels: labels}
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// scriptedVal returns the given val losses in order, one per epoch.
func scriptedVal(losses ...float64) func(context.Context, model.Model, device.Device, Loader, model.Criterion) (float64, float64, error) {
	i := 0
	return func(context.Context, model.Model, device.Device, Loader, model.Criterion) (float64, float64, error) {
		loss := losses[i]
		i++
		return 50, loss, nil
	}
}

func TestTrainSkipsSmallBatchesButCountsThemInAverage(t *testing.T) {
	m := newFixedModel(0, 0)
	train := sliceLoader{batchOf(6, 2), batchOf(6, 2), batchOf(4, 2)}
	val := sliceLoader{batchOf(6, 2)}

	res, err := Train(context.Background(), m, cpu, train, val, Options{
		Epochs:         2,
		CheckpointPath: filepath.Join(t.TempDir(), "SKNET.pt"),
	}, quietLogger())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if m.backwards != 4 {
		t.Fatalf("expected 2 optimizer steps per epoch, got %d total", m.backwards)
	}
	want := 2 * math.Ln2 / 3
	for _, ep := range res.Epochs {
		if math.Abs(ep.TrainLoss-want) > 1e-12 {
			t.Fatalf("epoch %d train loss %.12f want %.12f", ep.Epoch, ep.TrainLoss, want)
		}
		if ep.Skipped != 1 {
			t.Fatalf("epoch %d skipped %d batches, want 1", ep.Epoch, ep.Skipped)
		}
	}
	if res.History.Len() != 2 || res.Plot == nil {
		t.Fatalf("expected history and plot for 2 epochs")
	}
}

func TestTrainMinBatchSizeOneSkipsNothing(t *testing.T) {
	m := newFixedModel(0, 0)
	train := sliceLoader{batchOf(6, 2), batchOf(1, 2)}
	_, err := Train(context.Background(), m, cpu, train, sliceLoader{batchOf(2, 2)}, Options{
		Epochs:         1,
		MinBatchSize:   1,
		CheckpointPath: filepath.Join(t.TempDir(), "SKNET.pt"),
	}, quietLogger())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if m.backwards != 2 {
		t.Fatalf("expected 2 steps, got %d", m.backwards)
	}
}

func TestValWeightsAccuracyByExampleAndLossByBatch(t *testing.T) {
	a := model.Batch{Inputs: mat.NewDense(2, 2, []float64{2, 0, 2, 0}), Labels: []int{0, 1}}
	b := model.Batch{Inputs: mat.NewDense(6, 2, nil), Labels: []int{0, 0, 0, 1, 1, 1}}
	m := &identityModel{}

	acc, loss, err := Val(context.Background(), m, cpu, sliceLoader{a, b}, model.CrossEntropy{})
	if err != nil {
		t.Fatalf("Val: %v", err)
	}
	if acc != 50 {
		t.Fatalf("expected accuracy 50, got %f", acc)
	}
	lossA, _, err := model.CrossEntropy{}.Loss(a.Inputs, a.Labels)
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	want := (lossA + math.Ln2) / 2
	if math.Abs(loss-want) > 1e-12 {
		t.Fatalf("expected batch-weighted loss %.12f, got %.12f", want, loss)
	}
	weighted := (2*lossA + 6*math.Ln2) / 8
	if math.Abs(loss-weighted) < 1e-6 {
		t.Fatalf("loss should not be example weighted")
	}
	if m.training {
		t.Fatal("Val left the model in training mode")
	}
}

func TestValEmptyLoader(t *testing.T) {
	_, _, err := Val(context.Background(), newFixedModel(0, 0), cpu, sliceLoader{}, model.CrossEntropy{})
	if !errors.Is(err, ErrEmptyLoader) {
		t.Fatalf("expected ErrEmptyLoader, got %v", err)
	}
	if _, err := Test(context.Background(), newFixedModel(0, 0), cpu, sliceLoader{}, quietLogger()); !errors.Is(err, ErrEmptyLoader) {
		t.Fatalf("expected ErrEmptyLoader from Test, got %v", err)
	}
}

func TestTrainEmptyLoader(t *testing.T) {
	_, err := Train(context.Background(), newFixedModel(0, 0), cpu, sliceLoader{}, sliceLoader{}, Options{}, quietLogger())
	if !errors.Is(err, ErrEmptyLoader) {
		t.Fatalf("expected ErrEmptyLoader, got %v", err)
	}
}

func TestCheckpointThresholdIsLastWriterWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SKNET.pt")
	opts := Options{
		Epochs:         8,
		CheckpointPath: path,
		validate:       scriptedVal(0.1, 0.1, 0.1, 0.1, 0.1, 0.6, 0.8, 1.3),
	}
	res, err := Train(context.Background(), newFixedModel(0, 0), cpu, sliceLoader{batchOf(6, 2)}, sliceLoader{}, opts, quietLogger())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(res.SavedEpochs) != 2 || res.SavedEpochs[0] != 6 || res.SavedEpochs[1] != 7 {
		t.Fatalf("expected saves at epochs [6 7], got %v", res.SavedEpochs)
	}
	snap, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Epoch != 7 || snap.ValLoss != 0.8 {
		t.Fatalf("expected last qualifying epoch 7 (val 0.8), got epoch %d val %f", snap.Epoch, snap.ValLoss)
	}
	if snap.RunID != res.RunID {
		t.Fatalf("checkpoint run %s, result run %s", snap.RunID, res.RunID)
	}
}

func TestCheckpointGateIsStrictlyPastHalfway(t *testing.T) {
	opts := Options{
		Epochs:         7,
		CheckpointPath: filepath.Join(t.TempDir(), "SKNET.pt"),
		validate:       scriptedVal(0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5),
	}
	res, err := Train(context.Background(), newFixedModel(0, 0), cpu, sliceLoader{batchOf(6, 2)}, sliceLoader{}, opts, quietLogger())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	// 0-based epochs 4, 5 and 6 exceed 7/2.
	want := []int{5, 6, 7}
	if len(res.SavedEpochs) != len(want) {
		t.Fatalf("expected saves at %v, got %v", want, res.SavedEpochs)
	}
	for i, e := range want {
		if res.SavedEpochs[i] != e {
			t.Fatalf("expected saves at %v, got %v", want, res.SavedEpochs)
		}
	}
}

func TestCheckpointBestPolicyRequiresImprovement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SKNET.pt")
	opts := Options{
		Epochs:           8,
		CheckpointPath:   path,
		CheckpointPolicy: CheckpointBest,
		validate:         scriptedVal(0.1, 0.1, 0.1, 0.1, 0.1, 0.6, 0.8, 0.5),
	}
	res, err := Train(context.Background(), newFixedModel(0, 0), cpu, sliceLoader{batchOf(6, 2)}, sliceLoader{}, opts, quietLogger())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(res.SavedEpochs) != 2 || res.SavedEpochs[0] != 6 || res.SavedEpochs[1] != 8 {
		t.Fatalf("expected saves at epochs [6 8], got %v", res.SavedEpochs)
	}
	snap, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Epoch != 8 {
		t.Fatalf("expected best epoch 8, got %d", snap.Epoch)
	}
}

func TestNoCheckpointWhenValLossNeverBelowThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SKNET.pt")
	opts := Options{
		Epochs:         4,
		CheckpointPath: path,
		validate:       scriptedVal(0.2, 0.2, 1.0, 1.5),
	}
	res, err := Train(context.Background(), newFixedModel(0, 0), cpu, sliceLoader{batchOf(6, 2)}, sliceLoader{}, opts, quietLogger())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(res.SavedEpochs) != 0 {
		t.Fatalf("expected no saves, got %v", res.SavedEpochs)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no checkpoint file, stat err=%v", err)
	}
}

func TestSchedulerIsNotSteppedByDefault(t *testing.T) {
	losses := []float64{0.9, 0.9, 0.9, 0.9, 0.9}
	run := func(step bool) float64 {
		res, err := Train(context.Background(), newFixedModel(0, 0), cpu, sliceLoader{batchOf(6, 2)}, sliceLoader{}, Options{
			Epochs:         len(losses),
			SchedulerStep:  step,
			CheckpointPath: filepath.Join(t.TempDir(), "SKNET.pt"),
			validate:       scriptedVal(losses...),
		}, quietLogger())
		if err != nil {
			t.Fatalf("Train: %v", err)
		}
		return res.FinalLR
	}
	if lr := run(false); lr != 0.001 {
		t.Fatalf("expected untouched lr 0.001, got %g", lr)
	}
	if lr := run(true); math.Abs(lr-0.00025) > 1e-12 {
		t.Fatalf("expected lr halved twice to 0.00025, got %g", lr)
	}
}

func TestTrainLogsRunningLoss(t *testing.T) {
	buf := &bytes.Buffer{}
	train := sliceLoader{batchOf(5, 2), batchOf(5, 2), batchOf(5, 2), batchOf(5, 2), batchOf(5, 2)}
	_, err := Train(context.Background(), newFixedModel(0, 0), cpu, train, sliceLoader{batchOf(5, 2)}, Options{
		Epochs:         1,
		LogEvery:       2,
		CheckpointPath: filepath.Join(t.TempDir(), "SKNET.pt"),
	}, log.New(buf, "", 0))
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"epoch=1 batch=2 loss=0.693147", "epoch=1 batch=4 loss=0.693147", "epoch=1 complete", "training finished"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in log:\n%s", want, out)
		}
	}
	if strings.Contains(out, "batch=5 ") {
		t.Fatalf("unexpected log for batch 5:\n%s", out)
	}
}

func TestTrainLogEveryOneSkipsFirstBatch(t *testing.T) {
	buf := &bytes.Buffer{}
	train := sliceLoader{batchOf(5, 2), batchOf(5, 2), batchOf(5, 2)}
	_, err := Train(context.Background(), newFixedModel(0, 0), cpu, train, sliceLoader{batchOf(5, 2)}, Options{
		Epochs:         1,
		LogEvery:       1,
		CheckpointPath: filepath.Join(t.TempDir(), "SKNET.pt"),
	}, log.New(buf, "", 0))
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if n := strings.Count(buf.String(), "epoch=1 batch="); n != 2 {
		t.Fatalf("expected 2 running loss lines, got %d:\n%s", n, buf.String())
	}
}

func TestTrainCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Train(ctx, newFixedModel(0, 0), cpu, sliceLoader{batchOf(6, 2)}, sliceLoader{batchOf(6, 2)}, Options{Epochs: 1}, quietLogger())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTrainPropagatesShapeErrors(t *testing.T) {
	m := model.NewLinear(3, 2, 1)
	_, err := Train(context.Background(), m, cpu, sliceLoader{batchOf(6, 2)}, sliceLoader{batchOf(6, 2)}, Options{Epochs: 1}, quietLogger())
	if err == nil {
		t.Fatal("expected forward shape error")
	}
}

func TestBoundaryBatchesSkippedOnlyInTraining(t *testing.T) {
	examples := make([]dataset.Example, 16)
	for i := range examples {
		label := 0
		if i >= 12 {
			label = 1
		}
		examples[i] = dataset.Example{Features: []float64{float64(i), 1}, Label: label}
	}
	newLoader := func() *dataset.Loader {
		l, err := dataset.NewLoader(examples, dataset.LoaderOptions{BatchSize: 6})
		if err != nil {
			t.Fatalf("NewLoader: %v", err)
		}
		return l
	}

	m := newFixedModel(1, 0)
	res, err := Train(context.Background(), m, cpu, newLoader(), newLoader(), Options{
		Epochs:         1,
		CheckpointPath: filepath.Join(t.TempDir(), "SKNET.pt"),
	}, quietLogger())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if m.backwards != 2 || res.Epochs[0].Skipped != 1 {
		t.Fatalf("expected 2 steps and 1 skipped batch, got %d and %d", m.backwards, res.Epochs[0].Skipped)
	}
	if m.evalRows != 16 {
		t.Fatalf("val saw %d examples, want 16", m.evalRows)
	}
	if res.Epochs[0].ValAcc != 75 {
		t.Fatalf("expected val accuracy 75, got %f", res.Epochs[0].ValAcc)
	}

	buf := &bytes.Buffer{}
	acc, err := Test(context.Background(), m, cpu, newLoader(), log.New(buf, "", 0))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if acc != 75 || m.evalRows != 32 {
		t.Fatalf("test accuracy %f over %d rows", acc, m.evalRows-16)
	}
	if !strings.Contains(buf.String(), "test accuracy=75.00% examples=16") {
		t.Fatalf("unexpected test log %q", buf.String())
	}
}
