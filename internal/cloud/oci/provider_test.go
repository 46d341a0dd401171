package oci

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/core"

	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/config"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

func testProvider() *Provider {
	cfg := &config.Config{BucketName: "rehost-migrations", PartSizeMB: 64, PresignTTL: time.Hour, StatePollInterval: time.Millisecond}
	return newProvider(nil, cfg, "us-ashburn-1", "ocid1.compartment.oc1..aaa", logger.New(false))
}

func testJob(t *testing.T, yamlDoc string) *job.MigrationJob {
	t.Helper()
	j, err := job.Parse([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("Failed to parse job: %v", err)
	}
	return j
}

func TestImageTaskState(t *testing.T) {
	tests := []struct {
		name     string
		image    core.ImageLifecycleStateEnum
		launched bool
		instance core.InstanceLifecycleStateEnum
		want     string
	}{
		{"importing", core.ImageLifecycleStateImporting, false, "", cloud.ConversionActive},
		{"provisioning", core.ImageLifecycleStateProvisioning, false, "", cloud.ConversionActive},
		{"available not launched", core.ImageLifecycleStateAvailable, false, "", cloud.ConversionActive},
		{"placeholder provisioning", core.ImageLifecycleStateAvailable, true, core.InstanceLifecycleStateProvisioning, cloud.ConversionActive},
		{"placeholder running", core.ImageLifecycleStateAvailable, true, core.InstanceLifecycleStateRunning, cloud.ConversionCompleted},
		{"placeholder terminated", core.ImageLifecycleStateAvailable, true, core.InstanceLifecycleStateTerminated, cloud.ConversionDeleted},
		{"image deleted", core.ImageLifecycleStateDeleted, false, "", cloud.ConversionDeleted},
		{"image disabled", core.ImageLifecycleStateDisabled, false, "", cloud.ConversionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := imageTaskState(tt.image, tt.launched, tt.instance); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestStateMappings(t *testing.T) {
	if got := instanceState(core.InstanceLifecycleStateRunning); got != cloud.StateRunning {
		t.Errorf("Expected running, got %s", got)
	}
	if got := instanceState(core.InstanceLifecycleStateTerminating); got != "shutting-down" {
		t.Errorf("Expected shutting-down, got %s", got)
	}
	if got := instanceState(core.InstanceLifecycleStateStarting); got != cloud.StatePending {
		t.Errorf("Expected pending, got %s", got)
	}
	if got := imageState(core.ImageLifecycleStateAvailable); got != cloud.StateAvailable {
		t.Errorf("Expected available, got %s", got)
	}
	if got := imageState(core.ImageLifecycleStateDisabled); got != cloud.StateFailed {
		t.Errorf("Expected failed, got %s", got)
	}
	if got := volumeState(core.VolumeLifecycleStateFaulty); got != cloud.StateFailed {
		t.Errorf("Expected failed, got %s", got)
	}
	if got := volumeState(core.VolumeLifecycleStateProvisioning); got != cloud.StatePending {
		t.Errorf("Expected pending, got %s", got)
	}
}

func TestObjectNames(t *testing.T) {
	p := testProvider()
	j := testJob(t, "id: web-01\nvolumes:\n  - name: Root Disk\n    root: true\n    size_gib: 10\n")
	v := j.Volumes[0]

	if got := imageObjectName(j, v); got != "job-web-01/root-disk.qcow2" {
		t.Errorf("Unexpected image object name %s", got)
	}
	if got := manifestObjectName(j, v); got != "job-web-01/root-disk.manifest.json" {
		t.Errorf("Unexpected manifest object name %s", got)
	}
	want := "https://objectstorage.us-ashburn-1.oraclecloud.com/n/ns/b/rehost-migrations/o/job-web-01%2Froot-disk.qcow2"
	if got := p.objectURL("ns", "rehost-migrations", imageObjectName(j, v)); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestImageInfo(t *testing.T) {
	info := imageInfo(core.Image{
		Id:          common.String("ocid1.image.oc1..img"),
		DisplayName: common.String("ubuntu-22.04"),
		SizeInMBs:   common.Int64(47 * 1024),
	})
	if info.RootDeviceName != rootDeviceName {
		t.Errorf("Expected root device %s, got %s", rootDeviceName, info.RootDeviceName)
	}
	if len(info.BlockDevices) != 1 || !info.BlockDevices[0].Root || info.BlockDevices[0].SizeGiB != 47 {
		t.Errorf("Unexpected block devices %+v", info.BlockDevices)
	}
}

func TestMergeTags(t *testing.T) {
	existing := map[string]string{"team": "web"}
	merged := mergeTags(existing, "migrated-by", "rehost")
	if merged["team"] != "web" || merged["migrated-by"] != "rehost" {
		t.Errorf("Unexpected tags %v", merged)
	}
	if _, ok := existing["migrated-by"]; ok {
		t.Error("Expected existing tags to be left untouched")
	}
}

func TestIsKind(t *testing.T) {
	if !isKind("ocid1.instance.oc1.iad.abc", "instance") {
		t.Error("Expected instance OCID to match")
	}
	if isKind("ocid1.image.oc1.iad.abc", "instance") {
		t.Error("Expected image OCID not to match instance")
	}
	if isKind("ubuntu-22.04", "image") {
		t.Error("Expected display name not to match")
	}
}

func TestValidateRejectsBeforeRemoteChecks(t *testing.T) {
	p := testProvider()
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"missing compartment", "id: a\nvolumes:\n  - name: root\n    root: true\n    size_gib: 10\n", "target.compartment_id"},
		{"missing subnet", "id: a\ntarget:\n  compartment_id: c\nvolumes:\n  - name: root\n    root: true\n    size_gib: 10\n", "target.subnet_id"},
		{"bad volume type", "id: a\ntarget:\n  compartment_id: c\n  subnet_id: s\n  volume_type: fastest\nvolumes:\n  - name: root\n    root: true\n    size_gib: 10\n", "target.volume_type"},
		{"data volumes without zone", "id: a\ntarget:\n  compartment_id: c\n  subnet_id: s\nvolumes:\n  - name: root\n    root: true\n    size_gib: 10\n  - name: data\n    size_gib: 5\n", "target.zone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(context.Background(), testJob(t, tt.doc))
			ve, ok := err.(*job.ValidationError)
			if !ok {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, ve.Field)
			}
		})
	}
}

func TestVolumeTaskLifecycle(t *testing.T) {
	p := testProvider()
	cancelled := false
	p.imports["volume-import-a-data"] = &importTask{
		state:  cloud.ConversionActive,
		cancel: func() { cancelled = true },
	}

	st, err := p.DescribeConversionTask(context.Background(), "volume-import-a-data")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if st.State != cloud.ConversionActive {
		t.Errorf("Expected active, got %s", st.State)
	}

	if err := p.CancelConversionTask(context.Background(), "volume-import-a-data"); err != nil {
		t.Fatalf("Expected cancel to succeed, got %v", err)
	}
	if !cancelled {
		t.Error("Expected the copy context to be cancelled")
	}
	st, _ = p.DescribeConversionTask(context.Background(), "volume-import-a-data")
	if st.State != cloud.ConversionCancelled {
		t.Errorf("Expected cancelled, got %s", st.State)
	}

	if _, err := p.DescribeConversionTask(context.Background(), "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestModifyVolumesRejectsUnknownType(t *testing.T) {
	p := testProvider()
	j := testJob(t, "id: a\ntarget:\n  volume_type: fastest\nvolumes:\n  - name: root\n    root: true\n    size_gib: 10\n")
	if err := p.ModifyVolumes(context.Background(), j); err == nil {
		t.Error("Expected error for unknown volume type")
	}
	j.Target.VolumeType = ""
	if err := p.ModifyVolumes(context.Background(), j); err != nil {
		t.Errorf("Expected no-op without volume type, got %v", err)
	}
}
