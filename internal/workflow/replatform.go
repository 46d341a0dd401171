package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/codebypatrickleung/rehost/internal/capture"
	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/config"
	"github.com/codebypatrickleung/rehost/internal/guest"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/remote"
	"github.com/codebypatrickleung/rehost/internal/template"
)

// DialFunc opens an executor on the first reachable address.
type DialFunc func(ctx context.Context, addrs []string, cfg remote.Config, log *logger.Logger) (remote.Executor, error)

func dialSSH(ctx context.Context, addrs []string, cfg remote.Config, log *logger.Logger) (remote.Executor, error) {
	c, err := remote.Dial(ctx, addrs, cfg, log)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ReplatformHandler launches a catalog image, replays the source host's
// configuration on it and bakes the result into an image.
type ReplatformHandler struct {
	config      *config.Config
	logger      *logger.Logger
	dial        DialFunc
	customizers *guest.CustomizerRegistry
}

func NewReplatformHandler() *ReplatformHandler {
	return &ReplatformHandler{dial: dialSSH, customizers: guest.DefaultRegistry}
}

func (h *ReplatformHandler) Name() string           { return "Replatform Migration" }
func (h *ReplatformHandler) Strategy() job.Strategy { return job.StrategyReplatform }

// WithDialer replaces the SSH dialer used to reach the new instance.
func (h *ReplatformHandler) WithDialer(d DialFunc) *ReplatformHandler {
	h.dial = d
	return h
}

func (h *ReplatformHandler) Initialize(cfg *config.Config, log *logger.Logger) error {
	if cfg == nil {
		return fmt.Errorf("configuration is required")
	}
	h.config, h.logger = cfg, log
	return nil
}

// Validate resolves the catalog image and plans the launch mapping. Nothing
// is created on the provider.
func (h *ReplatformHandler) Validate(ctx context.Context, r *Run) error {
	j := r.Job
	if len(j.Files) > 0 && j.Source.Type != job.SourceSSH {
		return job.Invalid("files", "file capture needs an ssh source")
	}
	if j.Guest.OSFamily != "" {
		if _, err := h.customizers.Get(j.Guest.OSFamily); err != nil {
			return job.Invalid("guest.os_family", "%v", err)
		}
	}
	if err := r.Provider.Validate(ctx, j); err != nil {
		return err
	}
	image, err := r.Provider.DescribeImage(ctx, j.Target.ImageID)
	if err != nil {
		return err
	}
	mapping, err := PlanBlockDevices(image, j)
	if err != nil {
		return err
	}
	r.image, r.mapping = image, mapping
	r.suppressed = DroppedCatalogDevices(image, mapping)
	r.Log.Successf("✓ Catalog image %s resolved (%s)", image.ID, image.Name)
	for _, bd := range mapping {
		r.Log.Infof("Block device %s: %d GiB", bd.DeviceName, bd.SizeGiB)
	}
	for _, name := range r.suppressed {
		r.Log.Infof("Block device %s: dropped", name)
	}
	return nil
}

// replatformRun holds the guest connection of one execution.
type replatformRun struct {
	*Run
	h       *ReplatformHandler
	session *guest.Session
}

func (h *ReplatformHandler) Execute(ctx context.Context, r *Run) error {
	run := &replatformRun{Run: r, h: h}
	defer run.close()

	steps := []struct {
		title  string
		errMsg string
		fn     func(context.Context) error
	}{
		{"Capturing Files", "file capture failed", run.captureFiles},
		{"Launching Instance", "instance launch failed", run.launchInstance},
		{"Mounting Volumes", "volume mount failed", run.mountVolumes},
		{"Customizing Guest", "guest customization failed", run.customizeGuest},
		{"Installing Files", "file installation failed", run.installFiles},
		{"Creating Image", "image creation failed", run.createImage},
	}
	for i, step := range steps {
		r.Log.Step(i+1, step.title)
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.errMsg, err)
		}
	}
	return r.Advance(ctx, job.PhaseCompleted)
}

func (r *replatformRun) close() {
	if r.session != nil {
		r.session.Exec.Close()
	}
}

func (r *replatformRun) captureFiles(ctx context.Context) error {
	if err := r.Advance(ctx, job.PhaseCreateRawFiles); err != nil {
		return err
	}
	if len(r.Job.Files) > 0 {
		cctx, stop := r.cancelContext(ctx)
		defer stop()
		r.Cleanup.SetCaptureRunning(true)
		archive, err := r.Capturer.CaptureFiles(cctx, r.Job)
		if err != nil {
			return r.interrupted(err)
		}
		r.Cleanup.SetCaptureRunning(false)
		r.Job.Result.ArchivePath = archive
		r.Log.Successf("✓ Captured %d path(s) into %s", len(r.Job.Files), archive)
	}
	return r.Advance(ctx, job.PhaseCreatedRawFiles)
}

func (r *replatformRun) launchInstance(ctx context.Context) error {
	if err := r.Advance(ctx, job.PhaseCreatingInstance); err != nil {
		return err
	}
	instanceID, err := r.Provider.RunInstance(ctx, r.Job, cloud.LaunchSpec{
		ImageID:      r.image.ID,
		BlockDevices: r.mapping,
		Suppressed:   r.suppressed,
		UserData:     userData(r.Job),
	})
	if err != nil {
		return err
	}
	r.Job.Result.InstanceID = instanceID
	return finishInstance(ctx, r.Run, instanceID)
}

// connect reaches the new instance on its public address, then its private one.
func (r *replatformRun) connect(ctx context.Context) error {
	res := r.Job.Result
	public := res.FloatingIP
	if public == "" {
		public = res.PublicIP
	}
	exec, err := r.h.dial(ctx, []string{public, res.PrivateIP}, guestLogin(r.Job), r.Log)
	if err != nil {
		return err
	}
	r.Log.Successf("✓ Connected to %s", exec.Address())
	user := r.Job.Target.GuestUser
	if user == "" {
		user = r.Job.Source.User
	}
	r.session = &guest.Session{
		Exec:      exec,
		Scripts:   template.NewGenerator(filepath.Join(r.Job.WorkDir(r.Config.WorkRoot), "scripts"), r.Log),
		RemoteDir: r.Job.Source.WorkDir,
		Sudo:      user != "" && user != "root",
		Log:       r.Log,
	}
	return nil
}

func (r *replatformRun) mountVolumes(ctx context.Context) error {
	if err := r.Advance(ctx, job.PhaseAttachingVolume); err != nil {
		return err
	}
	if err := r.connect(ctx); err != nil {
		return err
	}
	var specs []template.MountSpec
	for _, v := range r.Job.DataVolumes() {
		if v.MountPoint == "" {
			continue
		}
		specs = append(specs, template.MountSpec{Device: v.DeviceName, MountPoint: v.MountPoint, Filesystem: v.Filesystem})
	}
	if err := guest.MountVolumes(ctx, r.session, specs); err != nil {
		return err
	}
	return r.Advance(ctx, job.PhaseAttachedVolume)
}

func (r *replatformRun) customizeGuest(ctx context.Context) error {
	if err := r.Advance(ctx, job.PhaseCustomizingGuest); err != nil {
		return err
	}
	profile := r.Job.Guest
	if profile.Empty() {
		r.Log.Info("No guest customization requested")
		return nil
	}
	c, err := guest.Resolve(ctx, r.h.customizers, r.session.Exec, profile)
	if err != nil {
		return err
	}
	r.Log.Infof("Applying guest profile with %s customizer", c.Name())
	if err := c.Customize(ctx, r.session, profile); err != nil {
		return err
	}
	r.Log.Successf("✓ Guest customized (%d users, %d packages)", len(profile.Users), len(profile.Packages))
	return nil
}

// installFiles stages the captured archive in object storage and has the
// instance fetch it. When the fetch fails the archive is pushed over SSH.
func (r *replatformRun) installFiles(ctx context.Context) error {
	if err := r.Advance(ctx, job.PhaseDownloadFromS3); err != nil {
		return err
	}
	archive := r.Job.Result.ArchivePath
	if archive == "" {
		return nil
	}
	url, err := r.Provider.UploadFile(ctx, r.Job.ObjectKey(capture.ArchiveName), archive)
	if err != nil {
		return fmt.Errorf("failed to stage file archive: %w", err)
	}
	if err := guest.FetchFiles(ctx, r.session, url); err != nil {
		r.Log.Warningf("Instance could not fetch the archive, copying it over SSH: %v", err)
		return guest.InstallFiles(ctx, r.session, archive)
	}
	return nil
}

func (r *replatformRun) createImage(ctx context.Context) error {
	if err := r.Advance(ctx, job.PhaseCreatingAMI); err != nil {
		return err
	}
	instanceID := r.Job.Result.InstanceID
	imageID, err := r.Provider.CreateImage(ctx, r.Job, instanceID)
	if err != nil {
		return err
	}
	r.Job.Result.ImageID = imageID
	if err := r.Poller.WaitForImage(ctx, imageID); err != nil {
		return err
	}
	for _, tag := range r.Job.Tags {
		if err := r.Provider.CreateTag(ctx, imageID, tag.Key, tag.Value); err != nil {
			return fmt.Errorf("failed to tag %s: %w", imageID, err)
		}
	}
	r.Log.Successf("✓ Image %s is available", imageID)
	return r.Advance(ctx, job.PhaseCreatedAMI)
}

// guestLogin is the SSH login of the new instance. Without a dedicated key
// the source host's credentials are reused.
func guestLogin(j *job.MigrationJob) remote.Config {
	cfg := remote.ConfigForSource(j.Source)
	cfg.Port = 22
	if j.Target.GuestUser != "" {
		cfg.User = j.Target.GuestUser
	}
	if j.Target.GuestKeyPath != "" {
		cfg.PrivateKeyPath = j.Target.GuestKeyPath
		cfg.Password = ""
	}
	return cfg
}

// userData authorizes the job's public key through cloud-init.
func userData(j *job.MigrationJob) string {
	key := strings.TrimSpace(j.Target.SSHPublicKey)
	if key == "" {
		return ""
	}
	return "#cloud-config\nssh_authorized_keys:\n  - " + key + "\n"
}
