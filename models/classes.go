package models

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/models/model"
	"github.com/nvr-ai/go-ssd/models/postprocess"
)

// OutputClass represents one detection label.
type OutputClass struct {
	// The integer index returned by the model.
	Index int
	// The human-readable label.
	Name string
}

// OutputClassSet ties a style to its full list of labels.
type OutputClassSet struct {
	// Class set identifier.
	Style model.Family
	// Classes that are supported and mappable.
	Classes []OutputClass
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

// Len returns the number of classes, background included.
func (s *OutputClassSet) Len() int { return len(s.Classes) }

// Names returns the class names ordered by index.
func (s *OutputClassSet) Names() []string {
	names := make([]string, len(s.Classes))
	for _, c := range s.Classes {
		names[c.Index] = c.Name
	}
	return names
}

// BuildNameIndexMap builds or rebuilds the name->index map.
func (s *OutputClassSet) BuildNameIndexMap() {
	s.nameToIdx = make(map[string]int, len(s.Classes))
	for _, c := range s.Classes {
		s.nameToIdx[c.Name] = c.Index
	}
}

// ClassManager holds all registered class sets.
type ClassManager struct {
	sets map[model.Family]*OutputClassSet
}

// NewClassManager initializes and registers the given sets.
func NewClassManager(allSets ...*OutputClassSet) *ClassManager {
	mgr := &ClassManager{sets: make(map[model.Family]*OutputClassSet)}
	for _, set := range allSets {
		set.BuildNameIndexMap()
		mgr.sets[set.Style] = set
	}
	return mgr
}

// GetName returns the class name for a given style and index.
func (m *ClassManager) GetName(style model.Family, idx int) (string, error) {
	set, ok := m.sets[style]
	if !ok {
		return "", errors.Errorf("style %q not registered", style)
	}
	if idx < 0 || idx >= len(set.Classes) {
		return "", errors.Errorf("index %d out of range for style %q", idx, style)
	}
	return set.Classes[idx].Name, nil
}

// GetIndex returns the class index for a given style and name.
func (m *ClassManager) GetIndex(style model.Family, name string) (int, error) {
	set, ok := m.sets[style]
	if !ok {
		return -1, errors.Errorf("style %q not registered", style)
	}
	idx, ok := set.nameToIdx[name]
	if !ok {
		return -1, errors.Errorf("name %q not found in style %q", name, style)
	}
	return idx, nil
}

// MapClass maps an index from one style to another, returning the target OutputClass.
func (m *ClassManager) MapClass(fromStyle model.Family, idx int, toStyle model.Family) (OutputClass, error) {
	name, err := m.GetName(fromStyle, idx)
	if err != nil {
		return OutputClass{}, err
	}
	toIdx, err := m.GetIndex(toStyle, name)
	if err != nil {
		return OutputClass{}, err
	}
	return OutputClass{Index: toIdx, Name: name}, nil
}

// COCOClasses is the full 80 COCO classes plus "background" at index 0.
var COCOClasses = OutputClassSet{
	Style: model.FamilyCOCO,
	Classes: []OutputClass{
		{0, "background"},
		{1, "person"},
		{2, "bicycle"},
		{3, "car"},
		{4, "motorcycle"},
		{5, "airplane"},
		{6, "bus"},
		{7, "train"},
		{8, "truck"},
		{9, "boat"},
		{10, "traffic light"},
		{11, "fire hydrant"},
		{12, "stop sign"},
		{13, "parking meter"},
		{14, "bench"},
		{15, "bird"},
		{16, "cat"},
		{17, "dog"},
		{18, "horse"},
		{19, "sheep"},
		{20, "cow"},
		{21, "elephant"},
		{22, "bear"},
		{23, "zebra"},
		{24, "giraffe"},
		{25, "backpack"},
		{26, "umbrella"},
		{27, "handbag"},
		{28, "tie"},
		{29, "suitcase"},
		{30, "frisbee"},
		{31, "skis"},
		{32, "snowboard"},
		{33, "sports ball"},
		{34, "kite"},
		{35, "baseball bat"},
		{36, "baseball glove"},
		{37, "skateboard"},
		{38, "surfboard"},
		{39, "tennis racket"},
		{40, "bottle"},
		{41, "wine glass"},
		{42, "cup"},
		{43, "fork"},
		{44, "knife"},
		{45, "spoon"},
		{46, "bowl"},
		{47, "banana"},
		{48, "apple"},
		{49, "sandwich"},
		{50, "orange"},
		{51, "broccoli"},
		{52, "carrot"},
		{53, "hot dog"},
		{54, "pizza"},
		{55, "donut"},
		{56, "cake"},
		{57, "chair"},
		{58, "couch"},
		{59, "potted plant"},
		{60, "bed"},
		{61, "dining table"},
		{62, "toilet"},
		{63, "tv"},
		{64, "laptop"},
		{65, "mouse"},
		{66, "remote"},
		{67, "keyboard"},
		{68, "cell phone"},
		{69, "microwave"},
		{70, "oven"},
		{71, "toaster"},
		{72, "sink"},
		{73, "refrigerator"},
		{74, "book"},
		{75, "clock"},
		{76, "vase"},
		{77, "scissors"},
		{78, "teddy bear"},
		{79, "hair drier"},
		{80, "toothbrush"},
	},
}

// PascalVOCClasses is the 20 Pascal VOC classes + "background" at index 0.
var PascalVOCClasses = OutputClassSet{
	Style: model.FamilyVOC,
	Classes: []OutputClass{
		{0, "background"},
		{1, "aeroplane"},
		{2, "bicycle"},
		{3, "bird"},
		{4, "boat"},
		{5, "bottle"},
		{6, "bus"},
		{7, "car"},
		{8, "cat"},
		{9, "chair"},
		{10, "cow"},
		{11, "diningtable"},
		{12, "dog"},
		{13, "horse"},
		{14, "motorbike"},
		{15, "person"},
		{16, "pottedplant"},
		{17, "sheep"},
		{18, "sofa"},
		{19, "train"},
		{20, "tvmonitor"},
	},
}

// AllClassSets collects every OutputClassSet in one place.
var AllClassSets = []OutputClassSet{
	COCOClasses,
	PascalVOCClasses,
}

// ClassSetFor returns the class set of a family.
func ClassSetFor(family model.Family) (*OutputClassSet, error) {
	for i := range AllClassSets {
		if AllClassSets[i].Style == family {
			set := AllClassSets[i]
			set.BuildNameIndexMap()
			return &set, nil
		}
	}
	return nil, common.NewConfigurationError("family", "unsupported class family",
		[]model.Family{model.FamilyVOC, model.FamilyCOCO}, family)
}

var (
	managerOnce sync.Once
	manager     *ClassManager
)

// Classes returns the process-wide manager over the COCO and VOC sets.
func Classes() *ClassManager {
	managerOnce.Do(func() {
		manager = NewClassManager(&COCOClasses, &PascalVOCClasses)
	})
	return manager
}

// ClassFilter resolves class names of a family into a postprocessor that
// keeps only those classes.
//
// Arguments:
//   - family: The class family the names belong to.
//   - names: The class names to keep.
//
// Returns:
//   - postprocess.Postprocessor: The filter.
//   - error: A *common.ConfigurationError naming the first unknown class.
func ClassFilter(family model.Family, names ...string) (postprocess.Postprocessor, error) {
	idx := make([]int, 0, len(names))
	for _, name := range names {
		i, err := Classes().GetIndex(family, name)
		if err != nil {
			return nil, common.NewConfigurationError("classes", "class name belongs to the family", family, name)
		}
		idx = append(idx, i)
	}
	return postprocess.NewClassFilter(idx...), nil
}

// ClassMapper relabels detections of one family with the same-named class
// of another, e.g. VOC "person" (15) to COCO "person" (1). Detections whose
// class has no counterpart are dropped.
func ClassMapper(from, to model.Family) (postprocess.Postprocessor, error) {
	mgr := Classes()
	for field, family := range map[string]model.Family{"family": from, "map_to": to} {
		if _, err := mgr.GetName(family, 0); err != nil {
			return nil, common.NewConfigurationError(field, "registered class family", []model.Family{model.FamilyVOC, model.FamilyCOCO}, family)
		}
	}
	return func(in []postprocess.Result) []postprocess.Result {
		out := make([]postprocess.Result, 0, len(in))
		for _, d := range in {
			class, err := mgr.MapClass(from, d.Class, to)
			if err != nil {
				continue
			}
			d.Class, d.Label = class.Index, class.Name
			out = append(out, d)
		}
		return out
	}, nil
}
